package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// job is the subset of the orchestrator's job representation jobctl needs to
// print; it mirrors dispatchcore/internal/domain.Job's wire tags.
type job struct {
	ID             string `json:"id"`
	SpecName       string `json:"spec_name"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	QueueName      string `json:"queue_name"`
	AssignedWorker string `json:"assigned_worker"`
	ErrorMessage   string `json:"error_message"`
}

type runRequest struct {
	SpecName    string         `json:"spec_name"`
	RuntimeArgs map[string]any `json:"runtime_args,omitempty"`
	Queue       string         `json:"queue,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

var httpClient = &http.Client{Timeout: 15 * time.Second}

// RunJob POSTs /api/jobs/run. rawArgs, if non-empty, must be a JSON object.
func RunJob(server, specName, rawArgs, queue, createdBy string) (*job, error) {
	req := runRequest{SpecName: specName, Queue: queue, CreatedBy: createdBy}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &req.RuntimeArgs); err != nil {
			return nil, fmt.Errorf("json-args must be a JSON object: %w", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var j job
	if err := doJSON(http.MethodPost, server+"/api/jobs/run", body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob fetches GET /api/jobs/{id}.
func GetJob(server, id string) (*job, error) {
	var j job
	if err := doJSON(http.MethodGet, server+"/api/jobs/"+id, nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// CancelJob issues PUT /api/jobs/{id}/cancel.
func CancelJob(server, id string) (*job, error) {
	var j job
	if err := doJSON(http.MethodPut, server+"/api/jobs/"+id+"/cancel", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func doJSON(method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

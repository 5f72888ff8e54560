package transport

import (
	"context"
	"dispatchcore/internal/domain"
	"fmt"
	"log/slog"
	"os/exec"
)

// Launcher spawns a local worker process via os/exec, using the same launch
// arguments the remote provisioning protocol's launch step passes over SSH:
// name, bind host, bind port, orchestrator callback URL, max_jobs. Satisfies
// workermgr.LocalLauncher.
type Launcher struct {
	command         string
	orchestratorURL string
	logger          *slog.Logger
}

// NewLauncher creates a Launcher that runs command to start a local worker
// process. An empty command disables local spawning; Launch then always
// fails, leaving local workers for an operator to contact out of band.
func NewLauncher(command, orchestratorURL string) *Launcher {
	return &Launcher{
		command:         command,
		orchestratorURL: orchestratorURL,
		logger:          slog.With("component", "transport.launcher"),
	}
}

// Launch starts worker's process and returns once it has been spawned; it
// does not wait for the process to exit or confirm the worker came up, that
// is the health monitor's job.
func (l *Launcher) Launch(ctx context.Context, worker *domain.Worker) error {
	if l.command == "" {
		return fmt.Errorf("no local worker command configured")
	}
	host := worker.Hostname
	if host == "" {
		host = "127.0.0.1"
	}
	cmd := exec.Command(l.command,
		"--name="+worker.Name,
		"--bind-host="+host,
		fmt.Sprintf("--bind-port=%d", worker.Port),
		"--callback="+l.orchestratorURL,
		fmt.Sprintf("--max-jobs=%d", worker.MaxJobs),
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn local worker process: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			l.logger.Warn("local worker process exited", "worker", worker.Name, "error", err)
		}
	}()
	return nil
}

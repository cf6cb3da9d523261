package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// StartController spawns the controller from the running executable.
func StartController(configPath string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	return StartControllerWithPath(executable, configPath)
}

// StartControllerWithPath spawns `<binary> daemon` detached from the caller's
// session. configPath may be empty.
func StartControllerWithPath(binaryPath, configPath string) error {
	cmd := exec.Command(binaryPath, DaemonArgs(configPath)...)

	// New session so the controller outlives the terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn controller: %w", err)
	}
	// Reap the child if it exits while we are still around.
	go func() { _ = cmd.Wait() }()
	return nil
}

// DaemonArgs returns the arguments of the hidden daemon command.
func DaemonArgs(configPath string) []string {
	args := []string{"daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}

// WaitForController polls the registry until a live controller appears or
// ctx expires.
func WaitForController(ctx context.Context, registry domain.ControllerRegistry, maxAge, every time.Duration) (*domain.ControllerEntry, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if registry.IsAlive(maxAge) {
			return registry.Get()
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrControllerUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

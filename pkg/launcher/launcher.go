// Package launcher starts node processes detached from the invoking shell
// and stops them again.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/luxfi/express/pkg/checkpoint"
)

// StopTimeout is how long Stop waits after the interrupt before killing
const StopTimeout = 30 * time.Second

// Config describes the child process
type Config struct {
	BinaryPath string
	Args       []string
	// DataDir is the directory the child guards once it is running
	DataDir string
	LogPath string
}

// NodeLauncher manages the lifecycle of one detached node
type NodeLauncher struct {
	config  Config
	process *exec.Cmd
	logFile *os.File
	exited  chan error
}

// New creates a new NodeLauncher
func New(config Config) *NodeLauncher {
	return &NodeLauncher{config: config}
}

// Start launches the node with its output going to the log file
func (nl *NodeLauncher) Start() error {
	if nl.config.BinaryPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		nl.config.BinaryPath = exe
	}
	if nl.config.LogPath == "" {
		return errors.New("log path required")
	}
	if err := os.MkdirAll(filepath.Dir(nl.config.LogPath), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(nl.config.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	nl.logFile = logFile

	nl.process = exec.Command(nl.config.BinaryPath, nl.config.Args...)
	nl.process.Stdout = logFile
	nl.process.Stderr = logFile
	nl.process.SysProcAttr = detached()

	if err := nl.process.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start node: %w", err)
	}
	nl.exited = make(chan error, 1)
	go func() {
		nl.exited <- nl.process.Wait()
		close(nl.exited)
	}()
	return nil
}

// PID of the started process
func (nl *NodeLauncher) PID() int {
	if nl.process == nil || nl.process.Process == nil {
		return 0
	}
	return nl.process.Process.Pid
}

// LogPath of the started process
func (nl *NodeLauncher) LogPath() string { return nl.config.LogPath }

// WaitReady blocks until the child holds its data directory
func (nl *NodeLauncher) WaitReady(ctx context.Context, poll time.Duration) error {
	if nl.exited == nil {
		return errors.New("node not started")
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		holder, err := checkpoint.Inspect(nl.config.DataDir)
		if err != nil {
			return err
		}
		if holder != nil && holder.PID == nl.PID() {
			return nil
		}
		select {
		case err := <-nl.exited:
			if err == nil {
				err = errors.New("exited")
			}
			return fmt.Errorf("node exited before becoming ready (see %s): %w", nl.config.LogPath, err)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release leaves the child running on its own
func (nl *NodeLauncher) Release() error {
	if nl.logFile != nil {
		nl.logFile.Close()
	}
	if nl.process == nil || nl.process.Process == nil {
		return nil
	}
	return nl.process.Process.Release()
}

// Stop interrupts the node and kills it if it has not exited in time
func (nl *NodeLauncher) Stop() error {
	if nl.process == nil || nl.process.Process == nil {
		return nil
	}
	defer func() {
		if nl.logFile != nil {
			nl.logFile.Close()
		}
	}()

	if err := nl.process.Process.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}

	select {
	case <-time.After(StopTimeout):
		_ = nl.process.Process.Kill()
		return fmt.Errorf("node did not exit gracefully, killed")
	case err := <-nl.exited:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// terminated by our interrupt
			return nil
		}
		return err
	}
}

// StopHolder interrupts whichever process guards dataDir and waits for it to
// let go of the directory, killing it after StopTimeout. It returns the PID
// that was stopped, or zero when the directory was idle.
func StopHolder(ctx context.Context, dataDir string, poll time.Duration) (int, error) {
	holder, err := checkpoint.Inspect(dataDir)
	if err != nil || holder == nil {
		return 0, err
	}
	proc, err := os.FindProcess(holder.PID)
	if err != nil {
		return 0, err
	}
	if err := proc.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return holder.PID, fmt.Errorf("failed to send interrupt signal: %w", err)
	}

	deadline := time.NewTimer(StopTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return holder.PID, ctx.Err()
		case <-deadline.C:
			_ = proc.Kill()
			return holder.PID, fmt.Errorf("node %d did not exit gracefully, killed", holder.PID)
		case <-ticker.C:
		}
		current, err := checkpoint.Inspect(dataDir)
		if err != nil {
			return holder.PID, err
		}
		if current == nil || current.PID != holder.PID {
			return holder.PID, nil
		}
	}
}

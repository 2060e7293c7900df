package sim

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mesh-emulator/internal/logging"
)

// LaunchSpec identifies one firmware instance.
type LaunchSpec struct {
	ID          uint32
	HWID        uint32
	Port        int
	ResetConfig bool
}

// Process is a running firmware instance.
type Process interface {
	Stop() error
}

// Launcher starts firmware instances. Only reachability of the API port is
// relied on afterwards.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// NewLauncher builds the launcher selected by cfg.
func NewLauncher(cfg LauncherConfig, log logging.Logger) Launcher {
	if cfg.Mode == LauncherExec {
		return &ExecLauncher{Program: cfg.Program, DataDir: cfg.DataDir, Log: log}
	}
	return ExternalLauncher{}
}

// ExternalLauncher is used when the instances are started outside the
// emulator, for example in a container.
type ExternalLauncher struct{}

func (ExternalLauncher) Launch(context.Context, LaunchSpec) (Process, error) {
	return noProcess{}, nil
}

type noProcess struct{}

func (noProcess) Stop() error { return nil }

// ExecLauncher runs the native simulator build, one process per node, each
// with its own data directory and output log.
type ExecLauncher struct {
	Program string
	DataDir string
	Log     logging.Logger
	// StopTimeout is how long Stop waits after SIGINT before killing.
	StopTimeout time.Duration
}

// Command returns the command line for spec.
func (l *ExecLauncher) Command(spec LaunchSpec) *exec.Cmd {
	args := []string{
		"-s",
		"-d", filepath.Join(expandHome(l.DataDir), "node"+strconv.Itoa(int(spec.ID))),
		"-h", strconv.FormatUint(uint64(spec.HWID), 10),
		"-p", strconv.Itoa(spec.Port),
	}
	if spec.ResetConfig {
		args = append(args, "-e")
	}
	return exec.Command(filepath.Join(l.Program, "program"), args...)
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	log := l.Log
	if log == nil {
		log = logging.Noop()
	}
	dir := expandHome(l.DataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("launch node %d: %w", spec.ID, err)
	}
	out, err := os.Create(filepath.Join(dir, fmt.Sprintf("out_%d.log", spec.ID)))
	if err != nil {
		return nil, fmt.Errorf("launch node %d: %w", spec.ID, err)
	}

	cmd := l.Command(spec)
	cmd.Stdout, cmd.Stderr = out, out
	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("launch node %d: %w", spec.ID, err)
	}
	log.Info(ctx, "node process started",
		logging.Uint32("node_id", spec.ID),
		logging.Int("pid", cmd.Process.Pid),
		logging.Int("port", spec.Port),
	)

	p := &execProcess{cmd: cmd, out: out, done: make(chan struct{}), timeout: l.StopTimeout}
	go func() {
		p.err = cmd.Wait()
		out.Close()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	out     *os.File
	done    chan struct{}
	err     error
	timeout time.Duration
}

func (p *execProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return p.cmd.Process.Kill()
	}
	timeout := p.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return p.cmd.Process.Kill()
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

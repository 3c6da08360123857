package launch

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pdbench/pdbench/internal/metrics"
)

// Proc is one managed long-running process. Each process is started in its
// own process group so that children it forks (engine launchers fork the
// actual serving processes) die with it.
type Proc struct {
	Name string

	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Exited is closed when the process has been reaped.
func (p *Proc) Exited() <-chan struct{} { return p.done }

// Err returns the exit error. Only valid after Exited is closed.
func (p *Proc) Err() error { return p.err }

func (p *Proc) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Supervisor spawns and terminates the node's worker processes. Termination
// is always SIGTERM to the process group, a grace window, then SIGKILL of
// whatever is left.
type Supervisor struct {
	grace  time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	procs []*Proc
	exits chan *Proc
}

// NewSupervisor creates a Supervisor with the given SIGTERM-to-SIGKILL
// grace window.
func NewSupervisor(grace time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		grace:  grace,
		logger: logger,
		exits:  make(chan *Proc, 32),
	}
}

// Start spawns argv with combined output appended to logPath and registers
// the process for shutdown.
func (s *Supervisor) Start(name, logPath string, argv []string) (*Proc, error) {
	if len(argv) == 0 {
		return nil, &SpawnError{Name: name, Cause: fmt.Errorf("empty command")}
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &SpawnError{Name: name, Cause: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, &SpawnError{Name: name, Cause: err}
	}
	// The child holds its own copy of the descriptor.
	logFile.Close()

	p := &Proc{Name: name, cmd: cmd, done: make(chan struct{})}

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	s.logger.Info("process started",
		slog.String("name", name),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("log", logPath))

	go func() {
		p.err = cmd.Wait()
		close(p.done)
		select {
		case s.exits <- p:
		default:
		}
	}()

	return p, nil
}

// Exits delivers processes as they terminate, managed shutdown included.
func (s *Supervisor) Exits() <-chan *Proc { return s.exits }

// StopAll terminates every live process: SIGTERM to each process group,
// one shared grace window, then SIGKILL of the survivors. Blocks until all
// processes are reaped. Safe to call more than once.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := make([]*Proc, len(s.procs))
	copy(procs, s.procs)
	s.mu.Unlock()

	var live []*Proc
	for _, p := range procs {
		if !p.alive() {
			continue
		}
		live = append(live, p)
		s.logger.Info("terminating process",
			slog.String("name", p.Name),
			slog.Int("pid", p.cmd.Process.Pid))
		if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil {
			s.logger.Warn("failed to signal process group",
				slog.String("name", p.Name),
				slog.String("error", err.Error()))
		}
		metrics.RecordWorkerKilled("sigterm")
	}

	if len(live) == 0 {
		return
	}

	deadline := time.Now().Add(s.grace)
	for _, p := range live {
		if remaining := time.Until(deadline); remaining > 0 {
			select {
			case <-p.Exited():
				continue
			case <-time.After(remaining):
			}
		}
		if p.alive() {
			s.logger.Warn("grace period expired, killing process group",
				slog.String("name", p.Name),
				slog.Int("pid", p.cmd.Process.Pid))
			if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
				s.logger.Warn("failed to kill process group",
					slog.String("name", p.Name),
					slog.String("error", err.Error()))
			}
			metrics.RecordWorkerKilled("sigkill")
			<-p.Exited()
		}
	}
}

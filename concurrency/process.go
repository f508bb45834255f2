package concurrency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smtg-ai/genbatch/log"
)

const (
	// maxStdoutBytes caps the captured generated output per attempt.
	maxStdoutBytes = 8 << 20
	// stderrTailBytes is how much diagnostic output is kept for classification.
	stderrTailBytes = 8 << 10
	// promptTailBytes is the window used for input-wait detection.
	promptTailBytes = 512
	// maxProgressHistory bounds the per-process progress marker history.
	maxProgressHistory = 64
)

// LaunchSpec is everything a launcher needs to start one attempt.
type LaunchSpec struct {
	TaskID  string
	Command Command
	Env     []string
	Dir     string
	Stdin   string
	// Timeout is the hard wall-clock limit. Zero disables it.
	Timeout time.Duration
}

// ProcessSnapshot is a point-in-time copy of a running process's activity.
type ProcessSnapshot struct {
	TaskID          string
	PID             int
	StartedAt       time.Time
	LastActivityAt  time.Time
	StdoutBytes     int64
	StderrBytes     int64
	ProgressMarkers int
	WaitingForInput bool
}

// ProgressMark is one matched progress marker.
type ProgressMark struct {
	At     time.Time
	Marker string
}

// ResourceUsage is the best-effort resource consumption of a live process.
type ResourceUsage struct {
	RSSBytes int64         `json:"rss_bytes"`
	CPUTime  time.Duration `json:"cpu_time_ns"`
}

// ProcessExit describes how a process ended.
type ProcessExit struct {
	ExitCode   int
	Err        error
	Stdout     []byte
	Truncated  bool
	StderrTail string
	// TimedOut is set when the hard timeout killed the process.
	TimedOut bool
	// Terminated is set when the process was signalled by us for any reason.
	Terminated bool
	Duration   time.Duration
}

// Process is a launched attempt as seen by the orchestrator.
type Process interface {
	Snapshot() ProcessSnapshot
	Done() <-chan struct{}
	// Exit is valid once Done is closed.
	Exit() ProcessExit
	// Terminate signals the process. It is idempotent.
	Terminate()
	ResourceUsage() *ResourceUsage
}

// Launcher starts processes for tasks.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// LauncherConfig configures a ProcessLauncher.
type LauncherConfig struct {
	// UsePTY runs the process attached to a pseudo terminal. stdout and
	// stderr are merged in that mode.
	UsePTY bool
	// KillGrace is the time between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// Markers are progress marker patterns scanned in the output.
	Markers []string
}

// ProcessLauncher starts real OS processes.
type ProcessLauncher struct {
	usePTY    bool
	killGrace time.Duration
	markers   []*regexp.Regexp
}

// NewProcessLauncher creates a launcher. It fails only on invalid markers.
func NewProcessLauncher(cfg LauncherConfig) (*ProcessLauncher, error) {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.Markers == nil {
		cfg.Markers = DefaultProgressMarkers
	}
	markers, err := CompileMarkers(cfg.Markers)
	if err != nil {
		return nil, err
	}
	return &ProcessLauncher{
		usePTY:    cfg.UsePTY,
		killGrace: cfg.KillGrace,
		markers:   markers,
	}, nil
}

// Launch starts the process and returns once it is running. Start failures
// are returned as *TaskError with ClassProcessSpawn; the process is never
// retried for those.
func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if strings.TrimSpace(spec.Command.Command) == "" {
		return nil, NewTaskError(ClassInvalidConfiguration, errors.New("task has no command"))
	}
	if err := ctx.Err(); err != nil {
		return nil, NewTaskError(ClassCancelled, err)
	}

	cmd := exec.Command(spec.Command.Command, spec.Command.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.WaitDelay = l.killGrace

	h := &ProcessHandle{
		taskID:    spec.TaskID,
		cmd:       cmd,
		markers:   l.markers,
		killGrace: l.killGrace,
		done:      make(chan struct{}),
	}

	var copyDone chan struct{}
	if l.usePTY {
		ptmx, err := startPTY(cmd)
		if err != nil {
			return nil, &TaskError{Class: classifySpawnError(err), ExitCode: -1, Err: fmt.Errorf("failed to start %s: %w", spec.Command.Command, err)}
		}
		h.ptmx = ptmx
		h.markStarted()
		copyDone = make(chan struct{})
		go func() {
			defer close(copyDone)
			// Reading a pty whose child exited returns EIO on Linux.
			_, _ = io.Copy(&streamWriter{h: h}, ptmx)
		}()
		if spec.Stdin != "" {
			go func() {
				_, _ = io.WriteString(ptmx, spec.Stdin)
			}()
		}
	} else {
		cmd.Stdout = &streamWriter{h: h}
		cmd.Stderr = &streamWriter{h: h, stderr: true}
		if spec.Stdin != "" {
			cmd.Stdin = strings.NewReader(spec.Stdin)
		}
		setProcessGroup(cmd)
		if err := cmd.Start(); err != nil {
			return nil, &TaskError{Class: classifySpawnError(err), ExitCode: -1, Err: fmt.Errorf("failed to start %s: %w", spec.Command.Command, err)}
		}
		h.markStarted()
	}

	log.DebugLog.Printf("task %s: started pid %d: %s", spec.TaskID, cmd.Process.Pid, log.Truncate(cmd.String(), 200))
	go h.wait(ctx, spec.Timeout, copyDone)
	return h, nil
}

// ProcessHandle owns one OS process from start to exit. The process is
// released exactly once, when wait returns.
type ProcessHandle struct {
	taskID    string
	cmd       *exec.Cmd
	ptmx      *os.File
	markers   []*regexp.Regexp
	killGrace time.Duration

	mu              sync.Mutex
	startedAt       time.Time
	lastActivityAt  time.Time
	stdout          bytes.Buffer
	truncated       bool
	stdoutBytes     int64
	stderrBytes     int64
	stderrTail      []byte
	promptTail      []byte
	progress        []ProgressMark
	progressCount   int
	waitingForInput bool

	terminateOnce sync.Once
	terminated    atomic.Bool
	timedOut      atomic.Bool

	done chan struct{}
	exit ProcessExit
}

func (h *ProcessHandle) markStarted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startedAt = time.Now()
	h.lastActivityAt = h.startedAt
}

// record accounts one chunk of output.
func (h *ProcessHandle) record(p []byte, stderr bool) {
	now := time.Now()
	marker, matched := MatchProgress(p, h.markers)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActivityAt = now
	if stderr {
		h.stderrBytes += int64(len(p))
		h.stderrTail = appendTail(h.stderrTail, p, stderrTailBytes)
	} else {
		h.stdoutBytes += int64(len(p))
		if room := maxStdoutBytes - h.stdout.Len(); room > 0 {
			if len(p) > room {
				h.stdout.Write(p[:room])
				h.truncated = true
			} else {
				h.stdout.Write(p)
			}
		} else {
			h.truncated = true
		}
		// In pty mode stderr is merged into stdout; keep a tail for
		// classification either way.
		if h.ptmx != nil {
			h.stderrTail = appendTail(h.stderrTail, p, stderrTailBytes)
		}
	}

	h.promptTail = appendTail(h.promptTail, p, promptTailBytes)
	h.waitingForInput = LooksLikeInputPrompt(h.promptTail)

	if matched {
		h.progressCount++
		h.progress = append(h.progress, ProgressMark{At: now, Marker: marker})
		if len(h.progress) > maxProgressHistory {
			h.progress = h.progress[len(h.progress)-maxProgressHistory:]
		}
	}
}

func appendTail(tail, p []byte, max int) []byte {
	tail = append(tail, p...)
	if len(tail) > max {
		tail = append(tail[:0:0], tail[len(tail)-max:]...)
	}
	return tail
}

// Snapshot returns a copy of the activity counters.
func (h *ProcessHandle) Snapshot() ProcessSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	pid := 0
	if h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	return ProcessSnapshot{
		TaskID:          h.taskID,
		PID:             pid,
		StartedAt:       h.startedAt,
		LastActivityAt:  h.lastActivityAt,
		StdoutBytes:     h.stdoutBytes,
		StderrBytes:     h.stderrBytes,
		ProgressMarkers: h.progressCount,
		WaitingForInput: h.waitingForInput,
	}
}

// ProgressHistory returns the most recent progress markers.
func (h *ProcessHandle) ProgressHistory() []ProgressMark {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ProgressMark(nil), h.progress...)
}

// Done is closed when the process has exited and its resources are released.
func (h *ProcessHandle) Done() <-chan struct{} {
	return h.done
}

// Exit returns the exit description. It blocks until Done is closed.
func (h *ProcessHandle) Exit() ProcessExit {
	<-h.done
	return h.exit
}

// Terminate sends SIGTERM to the process group and escalates to SIGKILL
// after the grace period. Repeated calls are no-ops.
func (h *ProcessHandle) Terminate() {
	h.terminateOnce.Do(func() {
		h.terminated.Store(true)
		select {
		case <-h.done:
			return
		default:
		}
		if err := terminateGroup(h.cmd); err != nil {
			log.DebugLog.Printf("task %s: terminate: %v", h.taskID, err)
		}
		go func() {
			timer := time.NewTimer(h.killGrace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				log.WarningLog.Printf("task %s: process ignored SIGTERM for %s, killing", h.taskID, h.killGrace)
				if err := killGroup(h.cmd); err != nil {
					log.DebugLog.Printf("task %s: kill: %v", h.taskID, err)
				}
			}
		}()
	})
}

// ResourceUsage returns the live resource usage, or nil when unavailable.
func (h *ProcessHandle) ResourceUsage() *ResourceUsage {
	select {
	case <-h.done:
		return nil
	default:
	}
	if h.cmd.Process == nil {
		return nil
	}
	return readResourceUsage(h.cmd.Process.Pid)
}

func (h *ProcessHandle) wait(ctx context.Context, timeout time.Duration, copyDone chan struct{}) {
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- h.cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var err error
	select {
	case err = <-waitErr:
	case <-timeoutC:
		h.timedOut.Store(true)
		log.InfoLog.Printf("task %s: timeout after %s, terminating", h.taskID, timeout)
		h.Terminate()
		err = <-waitErr
	case <-ctx.Done():
		h.Terminate()
		err = <-waitErr
	}

	if h.ptmx != nil {
		select {
		case <-copyDone:
		case <-time.After(h.killGrace):
		}
		_ = h.ptmx.Close()
	}

	h.mu.Lock()
	exit := ProcessExit{
		ExitCode:   -1,
		Stdout:     append([]byte(nil), h.stdout.Bytes()...),
		Truncated:  h.truncated,
		StderrTail: string(h.stderrTail),
		TimedOut:   h.timedOut.Load(),
		Terminated: h.terminated.Load(),
		Duration:   time.Since(h.startedAt),
	}
	h.mu.Unlock()

	if h.cmd.ProcessState != nil {
		exit.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		exit.Err = err
	}
	h.exit = exit
	close(h.done)
}

// streamWriter feeds process output into its handle.
type streamWriter struct {
	h      *ProcessHandle
	stderr bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.h.record(p, w.stderr)
	}
	return len(p), nil
}

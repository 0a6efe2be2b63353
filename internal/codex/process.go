package codex

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"codexproxy/internal/logging"
)

// Diagnostic output beyond this many bytes keeps only the newest bytes, which
// are the ones ClassifyFailure looks at. Batch stdout is never truncated.
const maxCapturedOutput = 1 << 20

// process is one running codex child. The caller must call finish exactly once.
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	started  time.Time
	deadline time.Time // zero when there is no timeout

	stderrBuf  tailBuffer
	stdoutBuf  captureBuffer // only filled in capture mode
	drains     sync.WaitGroup
	stop       chan struct{}
	watchDone  chan struct{}
	killOnce   sync.Once
	timedOut   atomic.Bool
	finishOnce sync.Once
	waitErr    error
}

// spawnOptions describe how to start the child.
type spawnOptions struct {
	args    []string
	env     []string
	dir     string
	timeout time.Duration
	// captureStdout drains stdout into a buffer instead of leaving it to the caller.
	captureStdout bool
}

// spawn starts the child, its stderr drain and its watchdog.
func spawn(ctx context.Context, opts spawnOptions) (*process, error) {
	cmd := exec.Command(opts.args[0], opts.args[1:]...)
	cmd.Dir = opts.dir
	cmd.Env = opts.env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, newError(KindLaunch, StatusServerError, err, "Unable to start codex process: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, newError(KindLaunch, StatusServerError, err, "Unable to start codex process: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, launchError(err)
	}

	p := &process{
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
		started:   time.Now(),
		stop:      make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	if opts.timeout > 0 {
		p.deadline = p.started.Add(opts.timeout)
	}

	// stderr is drained from the start so a full pipe never stalls stdout.
	p.drains.Add(1)
	go func() {
		defer p.drains.Done()
		_, _ = io.Copy(&p.stderrBuf, stderr)
	}()
	if opts.captureStdout {
		p.drains.Add(1)
		go func() {
			defer p.drains.Done()
			_, _ = io.Copy(&p.stdoutBuf, stdout)
		}()
	}

	go p.watch(ctx)
	return p, nil
}

// watch kills the child when the deadline passes or ctx ends.
func (p *process) watch(ctx context.Context) {
	defer close(p.watchDone)

	var expired <-chan time.Time
	if !p.deadline.IsZero() {
		timer := time.NewTimer(time.Until(p.deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.stop:
	case <-ctx.Done():
		p.kill()
	case <-expired:
		p.timedOut.Store(true)
		p.kill()
	}
}

// expired reports whether the deadline has passed, killing the child if so.
func (p *process) expired() bool {
	if p.timedOut.Load() {
		return true
	}
	if p.deadline.IsZero() || time.Now().Before(p.deadline) {
		return false
	}
	p.timedOut.Store(true)
	p.kill()
	return true
}

// kill terminates the child and closes our pipe ends so blocked reads
// return even when a grandchild still holds the write side.
func (p *process) kill() {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
}

// finish joins the drains, reaps the child and stops the watchdog.
// It returns the error from Wait.
func (p *process) finish() error {
	p.finishOnce.Do(func() {
		p.expired()
		p.drains.Wait()
		p.waitErr = p.cmd.Wait()
		close(p.stop)
		<-p.watchDone
	})
	return p.waitErr
}

// abort kills the child and then finishes it.
func (p *process) abort() {
	p.kill()
	_ = p.finish()
}

// logTruncation notes when stderr overflowed its tail buffer.
func (p *process) logTruncation(log *logging.Logger) {
	if n := p.stderrBuf.Discarded(); n > 0 {
		log.Debug("stderr truncated: kept last %d bytes, discarded %d", maxCapturedOutput, n)
	}
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// outcome converts the finished state into the error returned to callers.
// stdout is the raw output seen by the caller in streaming mode.
func (p *process) outcome(ctx context.Context, waitErr error, stdout string) error {
	if ctx.Err() != nil {
		return newError(KindCanceled, StatusUnclassified, ctx.Err(), "codex execution canceled: %v", ctx.Err())
	}
	if p.timedOut.Load() {
		return newError(KindExecutionTimeout, StatusTimeout, context.DeadlineExceeded, "codex execution timed out")
	}
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		message, status := ClassifyFailure(stdout, p.stderrBuf.String())
		return newError(KindNonZeroExit, status, waitErr, "%s", message)
	}
	return newError(KindLaunch, StatusServerError, waitErr, "codex process failed: %v", waitErr)
}

func launchError(err error) error {
	switch {
	case isNotFound(err):
		return newError(KindExecutableNotFound, StatusServerError, err,
			"Failed to launch codex: %v. Check CODEX_PATH and PATH.", err)
	case errors.Is(err, os.ErrPermission):
		return newError(KindLaunchPermission, StatusServerError, err,
			"Permission error launching codex: %v. Ensure the binary is executable.", err)
	default:
		return newError(KindLaunch, StatusServerError, err, "Unable to start codex process: %v", err)
	}
}

// tailBuffer is a concurrency-safe writer that keeps the last
// maxCapturedOutput bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	discarded int64
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - maxCapturedOutput; over > 0 {
		b.discarded += int64(over)
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *tailBuffer) Discarded() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded
}

// captureBuffer keeps everything written to it. It backs batch stdout, which
// becomes the answer when codex writes no last-message file.
type captureBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *captureBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

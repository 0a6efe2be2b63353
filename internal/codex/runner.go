package codex

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"codexproxy/internal/config"
	"codexproxy/internal/logging"
	"codexproxy/internal/metrics"
)

// streamBufferSize is the initial read buffer; longer lines are reassembled.
const streamBufferSize = 512 * 1024

// StreamCallback receives each filtered chunk. Returning an error stops the run.
type StreamCallback func(chunk string) error

// Runner executes codex requests under the limiter and wall-clock timeout.
type Runner struct {
	cfg       *config.Config
	workspace *Workspace
	builder   *Builder
	limiter   *Limiter
	metrics   *metrics.Metrics

	// Environ supplies the base subprocess environment.
	Environ func() []string
}

// NewRunner wires a runner. m may be nil.
func NewRunner(cfg *config.Config, ws *Workspace, limiter *Limiter, m *metrics.Metrics) *Runner {
	return &Runner{
		cfg:       cfg,
		workspace: ws,
		builder:   NewBuilder(cfg, ws),
		limiter:   limiter,
		metrics:   m,
		Environ:   os.Environ,
	}
}

// Stream runs req and passes every filtered chunk to fn as it is produced.
func (r *Runner) Stream(ctx context.Context, req Request, fn StreamCallback) error {
	execID := uuid.NewString()
	log := logging.WithRequestID(logging.CategoryRunner, execID)

	args, err := r.builder.Build(req)
	if err != nil {
		return err
	}
	workdir, err := r.workspace.EnsureWorkdir()
	if err != nil {
		return err
	}
	env, err := r.environment()
	if err != nil {
		return err
	}

	slot, err := r.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer slot.Release()

	start := time.Now()
	err = r.stream(ctx, log, spawnOptions{
		args:    args,
		env:     env,
		dir:     workdir,
		timeout: r.cfg.GetExecutionTimeout(),
	}, fn)
	r.record(log, execID, req.Model, metrics.ModeStream, start, err)
	return err
}

func (r *Runner) stream(ctx context.Context, log *logging.Logger, opts spawnOptions, fn StreamCallback) error {
	p, err := spawn(ctx, opts)
	if err != nil {
		return err
	}
	log.Debug("codex started (pid=%d, mode=stream, args=%d)", p.pid(), len(opts.args))

	filter := NewOutputFilter()
	var raw tailBuffer
	reader := bufio.NewReaderSize(p.stdout, streamBufferSize)

	for {
		if p.expired() {
			break
		}
		line, readErr := reader.ReadString('\n')
		if line != "" {
			_, _ = raw.Write([]byte(line))
			if chunk := filter.Process(line); chunk != "" {
				if cbErr := fn(chunk); cbErr != nil {
					p.abort()
					return cbErr
				}
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && ctx.Err() == nil && !p.timedOut.Load() {
				log.Warn("stdout read failed: %v", readErr)
			}
			break
		}
	}

	waitErr := p.finish()
	p.logTruncation(log)
	return p.outcome(ctx, waitErr, raw.String())
}

// LastMessage runs req in batch mode and returns the sanitized final message.
func (r *Runner) LastMessage(ctx context.Context, req Request) (string, error) {
	execID := uuid.NewString()
	log := logging.WithRequestID(logging.CategoryRunner, execID)

	args, err := r.builder.Build(req)
	if err != nil {
		return "", err
	}
	workdir, err := r.workspace.EnsureWorkdir()
	if err != nil {
		return "", err
	}
	env, err := r.environment()
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(workdir, "codex-last-*.txt")
	if err != nil {
		return "", newError(KindDirectoryPreparation, StatusServerError, err,
			"Failed to create last-message file in %s: %v", workdir, err)
	}
	outPath := tmp.Name()
	_ = tmp.Close()
	defer func() {
		if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove %s: %v", outPath, err)
		}
	}()
	args = append(args, "--json", "--output-last-message", outPath)

	slot, err := r.limiter.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer slot.Release()

	start := time.Now()
	text, err := r.lastMessage(ctx, log, spawnOptions{
		args:          args,
		env:           env,
		dir:           workdir,
		timeout:       r.cfg.GetExecutionTimeout(),
		captureStdout: true,
	}, outPath)
	r.record(log, execID, req.Model, metrics.ModeLast, start, err)
	return text, err
}

func (r *Runner) lastMessage(ctx context.Context, log *logging.Logger, opts spawnOptions, outPath string) (string, error) {
	p, err := spawn(ctx, opts)
	if err != nil {
		return "", err
	}
	log.Debug("codex started (pid=%d, mode=last, args=%d)", p.pid(), len(opts.args))

	waitErr := p.finish()
	p.logTruncation(log)
	stdout := p.stdoutBuf.String()
	if err := p.outcome(ctx, waitErr, stdout); err != nil {
		return "", err
	}

	text := ""
	if data, err := os.ReadFile(outPath); err == nil {
		text = string(data)
	} else {
		log.Debug("last-message file unreadable, using stdout: %v", err)
	}
	if text == "" {
		text = stdout
	}
	if sanitized := Sanitize(text); sanitized != "" {
		return sanitized, nil
	}
	return strings.TrimSpace(text), nil
}

// environment returns the subprocess environment with CODEX_HOME resolved.
func (r *Runner) environment() ([]string, error) {
	home, err := r.workspace.EnsureHome()
	if err != nil {
		return nil, err
	}
	userHome, _ := r.workspace.opts.HomeDir()
	return buildEnvironment(r.Environ(), home, r.cfg.Codex.NodePath, userHome), nil
}

func (r *Runner) record(log *logging.Logger, execID, model, mode string, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "aborted"
		}
	}
	r.metrics.ExecutionFinished(mode, outcome, elapsed)

	event := logging.AuditEvent{
		EventType: logging.AuditExecComplete,
		RequestID: execID,
		Mode:      mode,
		Model:     model,
		Outcome:   outcome,
		Duration:  elapsed,
	}
	if err != nil {
		event.Error = err.Error()
		event.Status = StatusOf(err).String()
		switch KindOf(err) {
		case KindCanceled, "":
			event.EventType = logging.AuditExecCanceled
		case KindExecutionTimeout:
			event.EventType = logging.AuditExecTimeout
		default:
			event.EventType = logging.AuditExecError
		}
	}
	logging.Audit(event)

	switch KindOf(err) {
	case "":
		if err == nil {
			log.Info("codex finished (mode=%s, elapsed=%s)", mode, elapsed)
		} else {
			log.Debug("codex aborted by caller (mode=%s): %v", mode, err)
		}
	case KindCanceled:
		log.Debug("codex canceled (mode=%s, elapsed=%s)", mode, elapsed)
	case KindExecutionTimeout:
		log.Warn("codex timed out (mode=%s, elapsed=%s)", mode, elapsed)
	default:
		log.Error("codex failed (mode=%s, elapsed=%s): %v", mode, elapsed, err)
	}
}

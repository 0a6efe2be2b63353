package codex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codexproxy/internal/metrics"
)

// transcriptScript prints the sample transcript the way codex exec does.
var transcriptScript = "cat <<'EOF'\n" + sampleTranscript + "EOF"

func collect(t *testing.T, h *testHarness, req Request) (string, error) {
	t.Helper()
	var b strings.Builder
	err := h.runner.Stream(context.Background(), req, func(chunk string) error {
		b.WriteString(chunk)
		return nil
	})
	return b.String(), err
}

func TestStream_FiltersTranscript(t *testing.T) {
	h := newHarness(t, transcriptScript)

	out, err := collect(t, h, Request{Prompt: "weather?"})
	require.NoError(t, err)
	assert.Equal(t, sampleBody, strings.TrimRight(out, "\n"))
	assert.Equal(t, 0, h.limiter.InUse())
}

func TestStream_PassesArgumentsAndEnvironment(t *testing.T) {
	h := newHarness(t, `echo "argv: $*"; echo "home=$CODEX_HOME"; echo "pwd=$(pwd)"`)

	out, err := collect(t, h, Request{Prompt: "do it", Model: "o3"})
	require.NoError(t, err)

	assert.Contains(t, out, "argv: exec do it --color never")
	assert.Contains(t, out, `--config model="o3"`)
	assert.Contains(t, out, "home="+filepath.Join(h.base, "home"))
	assert.Contains(t, out, "pwd="+canonical(filepath.Join(h.base, "work")))
}

func TestStream_LongLines(t *testing.T) {
	h := newHarness(t, `head -c 600000 /dev/zero | tr '\0' 'a'; echo; echo done`)

	var chunks []string
	err := h.runner.Stream(context.Background(), Request{Prompt: "p"}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 600001)
	assert.Equal(t, "done\n", chunks[1])
}

func TestStream_NonZeroExitIsClassified(t *testing.T) {
	h := newHarness(t, `echo "partial"; echo "error: unauthorized: bad api key" >&2; exit 3`)

	out, err := collect(t, h, Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, "partial\n", out)

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindNonZeroExit, cerr.Kind)
	assert.Equal(t, StatusUnauthorized, cerr.Status)
	assert.Equal(t, "error: unauthorized: bad api key", cerr.Message)
	assert.Equal(t, 0, h.limiter.InUse())
}

func TestStream_TimeoutWhileBlocked(t *testing.T) {
	h := newHarness(t, `echo "first"; exec sleep 30`)
	h.cfg.Limits.Timeout = "300ms"

	start := time.Now()
	out, err := collect(t, h, Request{Prompt: "p"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, "first\n", out)

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindExecutionTimeout, cerr.Kind)
	assert.Equal(t, StatusTimeout, cerr.Status)
	assert.Equal(t, "codex execution timed out", cerr.Message)
	assert.Equal(t, 0, h.limiter.InUse())
}

func TestStream_TimeoutWithGrandchildHoldingPipes(t *testing.T) {
	// sleep keeps stdout open after the shell is killed.
	h := newHarness(t, `sleep 30; echo never`)
	h.cfg.Limits.Timeout = "300ms"

	start := time.Now()
	_, err := collect(t, h, Request{Prompt: "p"})
	assert.Equal(t, KindExecutionTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStream_TimeoutAfterStdoutCloses(t *testing.T) {
	// The child closes stdout but keeps running, so the read loop ends at EOF
	// and the deadline has to bound the final wait.
	h := newHarness(t, `echo "hi"; exec >&-; exec sleep 30`)
	h.cfg.Limits.Timeout = "300ms"

	start := time.Now()
	out, err := collect(t, h, Request{Prompt: "p"})
	assert.Equal(t, "hi\n", out)
	assert.Equal(t, KindExecutionTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 0, h.limiter.InUse())
}

func TestStream_Cancellation(t *testing.T) {
	h := newHarness(t, `exec sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	err := h.runner.Stream(ctx, Request{Prompt: "p"}, func(string) error { return nil })
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, h.limiter.InUse())
}

func TestStream_CallbackErrorStopsRun(t *testing.T) {
	h := newHarness(t, `echo one; echo two; exec sleep 30`)
	stop := errors.New("client went away")

	start := time.Now()
	var got []string
	err := h.runner.Stream(context.Background(), Request{Prompt: "p"}, func(chunk string) error {
		got = append(got, chunk)
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"one\n"}, got)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 0, h.limiter.InUse())
}

func TestStream_BuildFailureSpawnsNothing(t *testing.T) {
	h := newHarness(t, `echo hi`)
	h.cfg.Codex.Path = filepath.Join(h.base, "missing")

	called := false
	err := h.runner.Stream(context.Background(), Request{Prompt: "p"}, func(string) error {
		called = true
		return nil
	})
	assert.Equal(t, KindExecutableNotFound, KindOf(err))
	assert.False(t, called)
}

func TestStream_LaunchPermissionDenied(t *testing.T) {
	h := newHarness(t, `echo hi`)
	// Resolvable (execute bit set) but the interpreter line points at a file
	// that cannot be executed.
	bad := filepath.Join(h.base, "bin", "codex")
	require.NoError(t, os.WriteFile(bad, []byte("#!"+h.base+"\n"), 0755))

	err := h.runner.Stream(context.Background(), Request{Prompt: "p"}, func(string) error { return nil })
	require.Error(t, err)
	assert.Contains(t, []ErrorKind{KindLaunchPermission, KindLaunch}, KindOf(err))
}

func TestStream_RecordsMetrics(t *testing.T) {
	h := newHarness(t, `echo ok`)
	m := metrics.New(prometheus.NewRegistry())
	h.runner.metrics = m

	_, err := collect(t, h, Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Executions.WithLabelValues(metrics.ModeStream, "success")))
}

func TestLastMessage_ReadsOutputFile(t *testing.T) {
	h := newHarness(t, `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output-last-message" ]; then out="$2"; fi
  shift
done
echo '{"type":"noise"}'
printf 'Final answer.\n\nSecond paragraph.\n' > "$out"
`)

	text, err := h.runner.LastMessage(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "Final answer.\n\nSecond paragraph.", text)

	matches, err := filepath.Glob(filepath.Join(h.base, "work", "codex-last-*.txt"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp file must be removed")
}

func TestLastMessage_PassesJSONFlags(t *testing.T) {
	h := newHarness(t, `echo "argv: $*"`)

	text, err := h.runner.LastMessage(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Contains(t, text, "--json --output-last-message "+filepath.Join(h.base, "work", "codex-last-"))
}

func TestLastMessage_FallsBackToStdout(t *testing.T) {
	h := newHarness(t, transcriptScript)

	text, err := h.runner.LastMessage(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, sampleBody, text)
}

func TestLastMessage_StdoutFallbackIsNotTruncated(t *testing.T) {
	h := newHarness(t, `echo "first line of the answer"; head -c 2000000 /dev/zero | tr '\0' 'x'; echo`)

	text, err := h.runner.LastMessage(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "first line of the answer\n"))
	assert.Len(t, text, len("first line of the answer\n")+2000000)
}

func TestLastMessage_LogsStderrTruncation(t *testing.T) {
	h := newHarness(t, `head -c 1100000 /dev/zero | tr '\0' 'e' >&2; echo ok`)
	logs := observeLogs(t)

	text, err := h.runner.LastMessage(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	entries := logs.FilterMessageSnippet("stderr truncated").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "discarded 51424")
}

func TestLastMessage_RawTextWhenSanitizedEmpty(t *testing.T) {
	h := newHarness(t, `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output-last-message" ]; then out="$2"; fi
  shift
done
printf '  model: only metadata  \n' > "$out"
`)

	text, err := h.runner.LastMessage(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "model: only metadata", text)
}

func TestLastMessage_NonZeroExit(t *testing.T) {
	h := newHarness(t, `echo '{"error":{"message":"Rate limit reached for gpt-5"}}'; exit 1`)

	_, err := h.runner.LastMessage(context.Background(), Request{Prompt: "p"})
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, KindNonZeroExit, cerr.Kind)
	assert.Equal(t, StatusRateLimited, cerr.Status)
	assert.Equal(t, "Rate limit reached for gpt-5", cerr.Message)

	matches, _ := filepath.Glob(filepath.Join(h.base, "work", "codex-last-*.txt"))
	assert.Empty(t, matches)
}

func TestLastMessage_Timeout(t *testing.T) {
	h := newHarness(t, `exec sleep 30`)
	h.cfg.Limits.Timeout = "300ms"

	start := time.Now()
	_, err := h.runner.LastMessage(context.Background(), Request{Prompt: "p"})
	assert.Equal(t, KindExecutionTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)

	matches, _ := filepath.Glob(filepath.Join(h.base, "work", "codex-last-*.txt"))
	assert.Empty(t, matches)
}

func TestRunner_BoundsParallelism(t *testing.T) {
	h := newHarness(t, `sleep 0.3; echo done`)
	h.limiter.Configure(2, 0)

	var peak int
	var mu sync.Mutex
	stopSampling := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stopSampling:
				return
			case <-time.After(5 * time.Millisecond):
				mu.Lock()
				if n := h.limiter.InUse(); n > peak {
					peak = n
				}
				mu.Unlock()
			}
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := collect(t, h, Request{Prompt: "p"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(stopSampling)
	<-sampled

	assert.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestRunner_QueueTimeoutWhileBusy(t *testing.T) {
	h := newHarness(t, `exec sleep 30`)
	h.limiter.Configure(1, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- h.runner.Stream(ctx, Request{Prompt: "p"}, func(string) error { return nil })
	}()
	require.Eventually(t, func() bool { return h.limiter.InUse() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err := h.runner.LastMessage(context.Background(), Request{Prompt: "p"})
	assert.Equal(t, KindQueueTimeout, KindOf(err))
	assert.Equal(t, 503, StatusOf(err).HTTPStatus())

	cancel()
	assert.Equal(t, KindCanceled, KindOf(<-done))
}

func TestRunner_WritesAuditEvent(t *testing.T) {
	h := newHarness(t, `echo "error: unauthorized" >&2; exit 1`)
	logs := observeLogs(t)

	_, err := h.runner.LastMessage(context.Background(), Request{Prompt: "p", Model: "o3"})
	require.Error(t, err)

	audit := logs.FilterLoggerName("audit").All()
	require.Len(t, audit, 1)
	fields := audit[0].ContextMap()
	assert.Equal(t, "exec_error", fields["event"])
	assert.Equal(t, "last", fields["mode"])
	assert.Equal(t, "o3", fields["model"])
	assert.Equal(t, string(KindNonZeroExit), fields["outcome"])
	assert.Equal(t, "unauthorized", fields["status"])
	assert.NotEmpty(t, fields["request_id"])
}

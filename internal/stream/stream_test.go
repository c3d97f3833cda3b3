package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/gentrack/internal/events"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/internal/lifecycle"
	"github.com/manash/gentrack/internal/testutil"
	"github.com/manash/gentrack/pkg/models"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	store     *history.MemoryStore
	clock     *testutil.FakeClock
	events    *events.Recorder
	proc      *Processor
	armed     *models.ArmedRequest
	finalized atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  history.NewMemoryStore(history.Options{}),
		clock:  testutil.NewFakeClock(t0),
		events: &events.Recorder{},
		armed: &models.ArmedRequest{
			RequestID: "req-1",
			AccountID: "acct-1",
			ImageID:   "img-1",
			AttemptID: "att-1",
			CreatedAt: t0,
		},
	}
	h.proc = NewProcessor(Options{
		Updater:   history.NewUpdater(h.store, nil),
		Clock:     h.clock,
		Notifier:  events.NewNotifier(h.events, h.clock),
		AssetHost: "assets.grok.com",
		OnFinalized: func(context.Context, *models.ArmedRequest, *models.Attempt) {
			h.finalized.Add(1)
		},
	})

	entry := models.NewImageEntry("img-1", "acct-1", t0)
	attempt := models.NewAttempt("att-1", "a cat walks", t0)
	entry.PrependAttempt(attempt)
	require.NoError(t, h.store.SaveOne(context.Background(), entry))
	h.proc.Watch(h.armed, attempt)
	return h
}

func (h *harness) attempt(t *testing.T) *models.Attempt {
	t.Helper()
	entry, err := h.store.GetByID(context.Background(), "img-1")
	require.NoError(t, err)
	a := entry.FindAttempt("att-1")
	require.NotNil(t, a)
	return a
}

// progress is safe to call from require.Eventually's polling goroutine.
func (h *harness) progress() int {
	entry, err := h.store.GetByID(context.Background(), "img-1")
	if err != nil {
		return -1
	}
	if a := entry.FindAttempt("att-1"); a != nil {
		return a.CurrentProgress
	}
	return -1
}

func record(fields string) string {
	return fmt.Sprintf(`data: {"result":{"response":{"streamingVideoGenerationResponse":{%s}}}}`, fields)
}

func lines(ls ...string) io.Reader {
	return strings.NewReader(strings.Join(ls, "\n") + "\n")
}

func TestLineDecoder_SplitsAcrossChunks(t *testing.T) {
	var d LineDecoder

	assert.Empty(t, d.Feed([]byte(`{"a":`)))
	assert.Equal(t, []string{`{"a":1}`}, d.Feed([]byte("1}\r\n{\"b\"")))
	assert.Equal(t, 4, d.Buffered())
	assert.Equal(t, []string{`{"b":2}`, ""}, d.Feed([]byte(":2}\n\n")))
	assert.Empty(t, d.Feed([]byte("tail")))
	assert.Equal(t, "tail", d.Flush())
	assert.Equal(t, "", d.Flush())

	assert.Equal(t, []string{"short"}, d.Feed([]byte("0123456789\nshort\n")))
	assert.Equal(t, 1, d.TakeDropped(), "a complete line over the limit is dropped too")
}

func TestLineDecoder_DropsOversizedLine(t *testing.T) {
	d := LineDecoder{Max: 8}

	assert.Empty(t, d.Feed([]byte("0123456789")))
	assert.Zero(t, d.Buffered(), "oversized partial line is released")
	assert.Equal(t, 1, d.TakeDropped())
	assert.Zero(t, d.TakeDropped())

	assert.Empty(t, d.Feed([]byte("still the same line")))
	assert.Equal(t, []string{"ok"}, d.Feed([]byte(" end\nok\n")), "the rest of the long line is skipped")
	assert.Zero(t, d.TakeDropped())
	assert.Equal(t, "", d.Flush())
}

func TestProcessor_OversizedLineIsMalformed(t *testing.T) {
	h := newHarness(t)

	stats := h.proc.Consume(context.Background(), h.armed, lines(
		strings.Repeat("x", MaxLineBytes+1),
		record(`"progress":100,"videoUrl":"v1"`),
	))

	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, models.StatusSuccess, stats.Status)
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		line string
		want Kind
	}{
		{`{"progress":1}`, KindRecord},
		{`data: {"progress":1}`, KindRecord},
		{`data:{"progress":1}`, KindRecord},
		{``, KindSkip},
		{`   `, KindSkip},
		{`: keep-alive`, KindSkip},
		{`data: [DONE]`, KindSkip},
		{`event: message`, KindSkip},
		{`data: {"progress":`, KindMalformed},
		{`garbage`, KindMalformed},
		{`data: [1,2]`, KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, kind := ParseRecord(tt.line)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestExtractSignal_AllNestingDepths(t *testing.T) {
	for _, raw := range []string{
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":"45%","videoId":"v"}}}}`,
		`{"response":{"streamingVideoGenerationResponse":{"progress":0.45,"videoId":"v"}}}`,
		`{"streamingVideoGenerationResponse":{"progress":{"value":45},"videoId":"v"}}`,
	} {
		doc, kind := ParseRecord(raw)
		require.Equal(t, KindRecord, kind)

		sig, ok := ExtractSignal(doc, "assets.grok.com")
		require.True(t, ok, raw)
		assert.True(t, sig.HasProgress)
		assert.Equal(t, 45, sig.Progress)
		assert.Equal(t, "v", sig.VideoID)
	}
}

func TestExtractSignal_Fields(t *testing.T) {
	doc, _ := ParseRecord(`{"result":{"response":{"responseId":"r-1","streamingVideoGenerationResponse":{
		"progress":"soon","moderated":true,"videoUrl":"users/u/generated/v/video.mp4",
		"videoPrompt":"{\"scene\":\"beach\"}","imageReference":"https://assets.grok.com/users/u/img.jpg",
		"modelName":"imagine-v1","mode":"custom"}}}}`)

	sig, ok := ExtractSignal(doc, "assets.grok.com")
	require.True(t, ok)
	assert.False(t, sig.HasProgress, "non-numeric progress is ignored")
	assert.True(t, sig.Moderated)
	assert.Equal(t, defaultModerationReason, sig.ModerationReason)
	assert.Equal(t, "https://assets.grok.com/users/u/generated/v/video.mp4", sig.VideoURL)
	assert.Equal(t, `{"scene":"beach"}`, sig.Prompt)
	assert.Equal(t, "r-1", sig.ResponseID)
	assert.Equal(t, "imagine-v1", sig.ModelName)
	assert.Equal(t, "custom", sig.Mode)

	doc, _ = ParseRecord(`{"conversation":{"id":"c"}}`)
	_, ok = ExtractSignal(doc, "assets.grok.com")
	assert.False(t, ok)
}

func TestGuard_ResetAndStop(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	var fired int
	g := NewGuard(clk, func() { fired++ })

	g.Reset(10 * time.Second)
	clk.Advance(9 * time.Second)
	g.Reset(10 * time.Second)
	clk.Advance(9 * time.Second)
	assert.Equal(t, 0, fired, "reset must cancel the earlier timer")
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(time.Second)
	assert.Equal(t, 1, fired)

	g.Reset(time.Second)
	clk.Advance(time.Hour)
	assert.Equal(t, 1, fired, "a fired guard stays inert")
	assert.False(t, g.Stop())
}

func TestProcessor_ProgressToCompletion(t *testing.T) {
	h := newHarness(t)

	stats := h.proc.Consume(context.Background(), h.armed, lines(
		record(`"progress":10`),
		record(`"progress":60`),
		record(`"progress":100,"videoUrl":"v1"`),
	))

	assert.True(t, stats.Finalized)
	assert.Equal(t, models.StatusSuccess, stats.Status)
	assert.Equal(t, 3, stats.Records)

	a := h.attempt(t)
	assert.Equal(t, models.StatusSuccess, a.Status)
	assert.Equal(t, 100, a.CurrentProgress)
	assert.Equal(t, "v1", a.VideoURL)
	assert.NotNil(t, a.FinishedAt)
	assert.Equal(t, []int{10, 60, 100}, progressValues(a))
	assert.Contains(t, a.RawStream, `"progress":60`)

	entry, _ := h.store.GetByID(context.Background(), "img-1")
	assert.Equal(t, 1, entry.SuccessCount)
	assert.Equal(t, int32(1), h.finalized.Load())
	assert.Len(t, h.events.OfType(events.GenerationFinalized), 1)
	assert.Len(t, h.events.OfType(events.RailProgress), 3)
	assert.Equal(t, 0, h.proc.Active())
	assert.Equal(t, 0, h.clock.Pending(), "guard is torn down on finalize")
}

func TestProcessor_FinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.proc.Consume(context.Background(), h.armed, lines(record(`"progress":100`)))

	writes := h.store.SaveCalls()
	before := h.attempt(t)

	assert.False(t, h.proc.Finalize(context.Background(), "att-1", lifecycle.Outcome{Status: models.StatusFailed}))
	h.clock.Advance(time.Hour)

	assert.Equal(t, writes, h.store.SaveCalls(), "no duplicate store write")
	assert.Equal(t, before, h.attempt(t))
	assert.Equal(t, int32(1), h.finalized.Load())
}

func TestProcessor_MalformedLineIsSkipped(t *testing.T) {
	h := newHarness(t)

	stats := h.proc.Consume(context.Background(), h.armed, lines(
		record(`"progress":30`),
		`data: {"result": {"response": {`,
		record(`"progress":100,"videoUrl":"v1"`),
	))

	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, models.StatusSuccess, stats.Status)
	assert.Equal(t, []int{30, 100}, progressValues(h.attempt(t)))
}

func TestProcessor_ModerationFreezesProgress(t *testing.T) {
	h := newHarness(t)

	stats := h.proc.Consume(context.Background(), h.armed, lines(
		record(`"progress":40`),
		record(`"progress":5,"moderated":true`),
	))

	a := h.attempt(t)
	require.NotNil(t, a.ModeratedAtProgress)
	assert.Equal(t, 40, *a.ModeratedAtProgress)
	assert.True(t, a.Moderated)
	assert.Equal(t, models.StatusModerated, stats.Status, "stream ended after moderation")
	assert.Len(t, h.events.OfType(events.ModerationDetected), 1)

	entry, _ := h.store.GetByID(context.Background(), "img-1")
	assert.Equal(t, 1, entry.FailCount)
	assert.NotNil(t, entry.LastModeratedAt)
}

func TestProcessor_StallAfterEightyFails(t *testing.T) {
	h := newHarness(t)
	pr, pw := io.Pipe()

	done := make(chan Stats, 1)
	go func() { done <- h.proc.Consume(context.Background(), h.armed, pr) }()

	_, err := io.WriteString(pw, record(`"progress":80`)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.progress() == 80
	}, 2*time.Second, 5*time.Millisecond)

	h.clock.Advance(lifecycle.GuardWindow(80) - time.Second)
	assert.Equal(t, models.StatusPending, h.attempt(t).Status)

	h.clock.Advance(time.Second)
	a := h.attempt(t)
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Equal(t, "stalled at 80%", a.Error)

	// Late data after the stall is drained without effect.
	_, err = io.WriteString(pw, record(`"progress":100`)+"\n")
	require.NoError(t, err)
	pw.Close()

	stats := <-done
	assert.Equal(t, models.StatusFailed, stats.Status)
	assert.Equal(t, int32(1), h.finalized.Load())
}

func TestProcessor_StallAfterModerationStaysModerated(t *testing.T) {
	h := newHarness(t)
	pr, pw := io.Pipe()
	defer pw.Close()

	go h.proc.Consume(context.Background(), h.armed, pr)

	_, err := io.WriteString(pw, record(`"progress":40`)+"\n"+record(`"progress":5,"moderated":true`)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		entry, err := h.store.GetByID(context.Background(), "img-1")
		if err != nil {
			return false
		}
		a := entry.FindAttempt("att-1")
		return a != nil && a.Moderated
	}, 2*time.Second, 5*time.Millisecond)

	h.clock.Advance(lifecycle.GuardWindow(5))

	a := h.attempt(t)
	assert.Equal(t, models.StatusModerated, a.Status)
	require.NotNil(t, a.ModeratedAtProgress)
	assert.Equal(t, 40, *a.ModeratedAtProgress)
	assert.NotContains(t, a.Error, "stalled")

	entry, _ := h.store.GetByID(context.Background(), "img-1")
	assert.NotNil(t, entry.LastModeratedAt)
	assert.Equal(t, int32(1), h.finalized.Load())
}

func TestProcessor_StallNearCompletionSucceeds(t *testing.T) {
	h := newHarness(t)
	pr, pw := io.Pipe()
	defer pw.Close()

	go h.proc.Consume(context.Background(), h.armed, pr)

	_, err := io.WriteString(pw, record(`"progress":99`)+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.progress() == 99
	}, 2*time.Second, 5*time.Millisecond)

	h.clock.Advance(lifecycle.LateGuard)
	assert.Equal(t, models.StatusSuccess, h.attempt(t).Status)
}

func TestProcessor_InitialGuardWithoutStream(t *testing.T) {
	h := newHarness(t)

	h.clock.Advance(lifecycle.InitialGuard)

	a := h.attempt(t)
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Equal(t, "stalled at 0%", a.Error)
}

func TestProcessor_LateStreamAfterStallIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.clock.Advance(lifecycle.InitialGuard)
	writes := h.store.SaveCalls()

	stats := h.proc.Consume(context.Background(), h.armed, lines(record(`"progress":100`)))

	assert.True(t, stats.Finalized)
	assert.Zero(t, stats.Records)
	assert.Equal(t, writes, h.store.SaveCalls())
	assert.Equal(t, models.StatusFailed, h.attempt(t).Status)
	assert.Equal(t, int32(1), h.finalized.Load())
}

func TestProcessor_EndOfStreamWithoutCompletion(t *testing.T) {
	h := newHarness(t)

	stats := h.proc.Consume(context.Background(), h.armed, lines(record(`"progress":60`)))

	assert.Equal(t, models.StatusFailed, stats.Status)
	assert.Equal(t, "stream ended at 60%", h.attempt(t).Error)
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, record(`"progress":20`)+"\n"), nil
	}
	return 0, errors.New("connection reset")
}

func TestProcessor_ReadErrorFinalizesFailed(t *testing.T) {
	h := newHarness(t)

	stats := h.proc.Consume(context.Background(), h.armed, &failingReader{})

	assert.Equal(t, models.StatusFailed, stats.Status)
	a := h.attempt(t)
	assert.Equal(t, "connection reset", a.Error)
	assert.Equal(t, 20, a.CurrentProgress)
}

func TestProcessor_StoreFailureKeepsWorkingState(t *testing.T) {
	h := newHarness(t)
	h.store.FailWrites(errors.New("disk full"))

	stats := h.proc.Consume(context.Background(), h.armed, lines(
		record(`"progress":50`),
		record(`"progress":100,"videoUrl":"v1"`),
	))

	assert.True(t, stats.Finalized)
	assert.Equal(t, models.StatusSuccess, stats.Status)

	h.store.FailWrites(nil)
	assert.Equal(t, models.StatusPending, h.attempt(t).Status, "store still holds the pre-failure state")
}

func progressValues(a *models.Attempt) []int {
	var out []int
	for _, ev := range a.ProgressEvents {
		if !ev.Moderated {
			out = append(out, ev.Progress)
		}
	}
	return out
}

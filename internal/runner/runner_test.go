package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmagent/internal/dispatcher"
	"pmagent/internal/event"
	"pmagent/pkg/logx"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]event.NormalizedEvent
	polls   int
	rewound []string
	pollErr error
	polled  chan struct{}
}

func (f *fakeSource) Source() event.Source { return event.SourceChat }

func (f *fakeSource) Poll(context.Context) ([]event.NormalizedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polled != nil && f.polls == 2 {
		close(f.polled)
	}
	if len(f.batches) == 0 {
		return nil, f.pollErr
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, f.pollErr
}

func (f *fakeSource) Rewind(_ context.Context, ev event.NormalizedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewound = append(f.rewound, ev.ItemKey)
	return nil
}

type fakeHandler struct {
	mu      sync.Mutex
	seen    []string
	fail    map[string]error
	panicOn string
}

func (h *fakeHandler) Handle(_ context.Context, ev event.NormalizedEvent) (dispatcher.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, ev.ItemKey)
	if ev.ItemKey == h.panicOn {
		panic("handler bug")
	}
	if err := h.fail[ev.ItemKey]; err != nil {
		return "", err
	}
	return dispatcher.OutcomeResponded, nil
}

func evs(keys ...string) []event.NormalizedEvent {
	out := make([]event.NormalizedEvent, 0, len(keys))
	for _, k := range keys {
		out = append(out, event.NormalizedEvent{Source: event.SourceChat, ItemKey: k, SourceID: "-1"})
	}
	return out
}

type notes struct {
	mu     sync.Mutex
	states []string
}

func (n *notes) notify(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, s)
}

func (n *notes) get() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

func TestCycle_RewindsFailedEventsAndContinues(t *testing.T) {
	src := &fakeSource{batches: [][]event.NormalizedEvent{evs("-1:1", "-1:2", "-1:3", "-1:4")}}
	h := &fakeHandler{fail: map[string]error{"-1:2": errors.New("db locked")}, panicOn: "-1:3"}
	r, err := New(h, []Worker{{Source: src, Interval: time.Minute}}, nil, Options{Notify: func(string) {}}, logx.Nop())
	require.NoError(t, err)

	handled, failed := r.cycle(context.Background(), src, logx.Nop())
	assert.Equal(t, 2, handled)
	assert.Equal(t, 2, failed)
	assert.Equal(t, []string{"-1:1", "-1:2", "-1:3", "-1:4"}, h.seen)
	assert.Equal(t, []string{"-1:2", "-1:3"}, src.rewound)
}

func TestCycle_PollErrorStillHandlesPartialBatch(t *testing.T) {
	src := &fakeSource{batches: [][]event.NormalizedEvent{evs("-1:1")}, pollErr: errors.New("one stream failed")}
	h := &fakeHandler{}
	r, err := New(h, nil, nil, Options{Notify: func(string) {}}, logx.Nop())
	require.NoError(t, err)

	handled, failed := r.cycle(context.Background(), src, logx.Nop())
	assert.Equal(t, 1, handled)
	assert.Zero(t, failed)
}

func TestCycle_StopsOnCancellation(t *testing.T) {
	src := &fakeSource{batches: [][]event.NormalizedEvent{evs("-1:1", "-1:2")}}
	h := &fakeHandler{}
	r, err := New(h, nil, nil, Options{Notify: func(string) {}}, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handled, _ := r.cycle(ctx, src, logx.Nop())
	assert.Zero(t, handled)
	assert.Empty(t, h.seen)
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{batches: [][]event.NormalizedEvent{evs("-1:1")}, polled: make(chan struct{})}
	h := &fakeHandler{}
	n := &notes{}
	r, err := New(h, []Worker{{Source: src, Interval: 10 * time.Millisecond}}, []Job{
		{Name: "summary", Spec: "0 9 * * 1-5", Run: func(context.Context) error { return nil }},
	}, Options{Notify: n.notify}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	select {
	case <-src.polled:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not poll twice")
	}
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "worker.chat", snap[0].Name)

	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, []string{stateReady, stateStopping}, n.get())
	assert.Equal(t, []string{"-1:1"}, h.seen)
}

func TestRunJob(t *testing.T) {
	r, err := New(&fakeHandler{}, nil, nil, Options{Notify: func(string) {}}, logx.Nop())
	require.NoError(t, err)

	var gotDeadline bool
	r.runJob(context.Background(), Job{Name: "maintenance", Timeout: time.Minute, Run: func(ctx context.Context) error {
		_, gotDeadline = ctx.Deadline()
		return nil
	}})
	assert.True(t, gotDeadline)

	assert.NotPanics(t, func() {
		r.runJob(context.Background(), Job{Name: "bad", Run: func(context.Context) error { panic("oops") }})
	})
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, nil, nil, Options{}, logx.Nop())
	assert.Error(t, err)

	_, err = New(&fakeHandler{}, []Worker{{Source: &fakeSource{}}}, nil, Options{}, logx.Nop())
	assert.Error(t, err, "zero interval")

	_, err = New(&fakeHandler{}, nil, []Job{{Name: "sla", Spec: "every hour", Run: func(context.Context) error { return nil }}}, Options{}, logx.Nop())
	assert.Error(t, err)

	_, err = New(&fakeHandler{}, nil, []Job{{Name: "sla", Spec: "@every -5m", Run: func(context.Context) error { return nil }}}, Options{}, logx.Nop())
	assert.Error(t, err)
}

func TestSchedule_SpreadsFirstIntervalRun(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s, err := schedule("@every 15m", now, "recovery")
	require.NoError(t, err)

	first := s.Next(now)
	assert.False(t, first.Before(now.Add(15*time.Minute)))
	assert.True(t, first.Before(now.Add(15*time.Minute+maxStartupSpread)))
	assert.WithinDuration(t, first.Add(15*time.Minute), s.Next(first), time.Second)

	s, err = schedule("0 9 * * 1-5", now, "summary")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC), s.Next(now))
}

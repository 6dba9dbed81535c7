package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/peterohwofasa/chainproof-ai-sub001/config"
	"github.com/peterohwofasa/chainproof-ai-sub001/model"
)

// flakyTransport fails the first failures opens, then serves scripted events.
type flakyTransport struct {
	mu       sync.Mutex
	failures int
	opens    int
	events   []model.ProgressEvent
	dropMid  bool // drop the stream after the first event instead of finishing
}

func (t *flakyTransport) Open(ctx context.Context, auditID, observerID string) (ProgressStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.opens <= t.failures {
		return nil, errors.New("connection refused")
	}
	events := make([]model.ProgressEvent, len(t.events))
	copy(events, t.events)
	return &scriptedStream{events: events, dropMid: t.dropMid && t.opens == t.failures+1}, nil
}

func (t *flakyTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

type scriptedStream struct {
	events  []model.ProgressEvent
	pos     int
	dropMid bool
}

func (s *scriptedStream) Recv() (model.ProgressEvent, error) {
	if s.dropMid && s.pos == 1 {
		return model.ProgressEvent{}, io.EOF
	}
	if s.pos >= len(s.events) {
		return model.ProgressEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

func fastConfig(maxAttempts int) WatcherConfig {
	return WatcherConfig{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}
}

func terminalEvents() []model.ProgressEvent {
	return []model.ProgressEvent{
		{AuditID: "a1", Status: model.StatusAnalyzing, Progress: 40},
		{AuditID: "a1", Status: model.StatusCompleted, Progress: 100},
	}
}

func TestWatcherReceivesEventsUntilTerminal(t *testing.T) {
	transport := &flakyTransport{events: terminalEvents()}
	w := NewWatcher(transport, "obs1", fastConfig(5))

	w.Watch(context.Background(), "a1")

	var got []int
	for ev := range collectEvents(t, w, 2) {
		got = append(got, ev.Progress)
	}
	if len(got) != 2 || got[0] != 40 || got[1] != 100 {
		t.Errorf("Expected progress 40,100; got %v", got)
	}
	w.Close()
}

func TestWatcherReconnectsWithBackoff(t *testing.T) {
	transport := &flakyTransport{failures: 3, events: terminalEvents()}
	w := NewWatcher(transport, "obs1", fastConfig(10))

	w.Watch(context.Background(), "a1")

	events := collectEvents(t, w, 2)
	last := <-waitLast(events)
	if last.Status != model.StatusCompleted {
		t.Errorf("Expected terminal event after reconnects, got %+v", last)
	}
	if transport.openCount() != 4 {
		t.Errorf("Expected 4 open attempts (3 failures + 1 success), got %d", transport.openCount())
	}
	w.Close()
}

func TestWatcherRejoinsAfterMidStreamDrop(t *testing.T) {
	transport := &flakyTransport{events: terminalEvents(), dropMid: true}
	w := NewWatcher(transport, "obs1", fastConfig(10))

	w.Watch(context.Background(), "a1")

	// First stream delivers the analyzing event then drops; the rejoin
	// replays from the top, so the terminal event still arrives.
	events := collectEvents(t, w, 3)
	last := <-waitLast(events)
	if last.Status != model.StatusCompleted {
		t.Errorf("Expected completion after rejoin, got %+v", last)
	}
	if transport.openCount() < 2 {
		t.Error("Expected at least one rejoin")
	}
	w.Close()
}

func TestWatcherGivesUpAfterMaxAttempts(t *testing.T) {
	transport := &flakyTransport{failures: 1000}
	w := NewWatcher(transport, "obs1", fastConfig(3))

	w.Watch(context.Background(), "a1")

	deadline := time.After(2 * time.Second)
	for w.State() != WatcherDisconnected {
		select {
		case <-deadline:
			t.Fatal("Watcher never went disconnected")
		case <-time.After(time.Millisecond):
		}
	}
	if !errors.Is(w.Err(), ErrBackoffExhausted) {
		t.Errorf("Expected ErrBackoffExhausted, got %v", w.Err())
	}
	if transport.openCount() != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", transport.openCount())
	}
	w.Close()
}

func TestWatcherUnwatchStopsFeed(t *testing.T) {
	transport := &flakyTransport{failures: 1000}
	w := NewWatcher(transport, "obs1", fastConfig(0))

	ctx := context.Background()
	w.Watch(ctx, "a1")
	w.Unwatch("a1")

	// Unwatch cancelled the audit's loop; Close must not hang.
	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung after Unwatch")
	}
}

func TestWatcherWatchIdempotent(t *testing.T) {
	transport := &flakyTransport{events: terminalEvents()}
	w := NewWatcher(transport, "obs1", fastConfig(5))

	ctx := context.Background()
	w.Watch(ctx, "a1")
	w.Watch(ctx, "a1") // no second goroutine

	events := collectEvents(t, w, 2)
	<-waitLast(events)
	if transport.openCount() != 1 {
		t.Errorf("Expected a single open for duplicate Watch, got %d", transport.openCount())
	}
	w.Close()
}

func TestWatcherConfigFrom(t *testing.T) {
	cfg := WatcherConfigFrom(&config.ProgressConfig{
		ReconnectBaseMS:   500,
		ReconnectMaxMS:    30000,
		ReconnectAttempts: 10,
	})
	if cfg.BaseBackoff != 500*time.Millisecond {
		t.Errorf("Expected base backoff 500ms, got %v", cfg.BaseBackoff)
	}
	if cfg.MaxBackoff != 30*time.Second {
		t.Errorf("Expected max backoff 30s, got %v", cfg.MaxBackoff)
	}
	if cfg.MaxAttempts != 10 {
		t.Errorf("Expected 10 attempts, got %d", cfg.MaxAttempts)
	}
}

// collectEvents reads up to n events from the watcher feed with a timeout.
func collectEvents(t *testing.T, w *Watcher, n int) chan model.ProgressEvent {
	t.Helper()
	out := make(chan model.ProgressEvent, n)
	go func() {
		defer close(out)
		for i := 0; i < n; i++ {
			select {
			case ev, ok := <-w.Events():
				if !ok {
					return
				}
				out <- ev
				if model.IsTerminal(ev.Status) {
					return
				}
			case <-time.After(2 * time.Second):
				return
			}
		}
	}()
	return out
}

// waitLast drains a finite event channel and yields its final event.
func waitLast(events chan model.ProgressEvent) chan model.ProgressEvent {
	out := make(chan model.ProgressEvent, 1)
	go func() {
		var last model.ProgressEvent
		for ev := range events {
			last = ev
		}
		out <- last
	}()
	return out
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peterohwofasa/chainproof-ai-sub001/model"
)

func TestProgressChannelPublishAndReceive(t *testing.T) {
	pc := NewProgressChannel(nil, 16)

	ch := pc.Join("a1", "obs1")
	pc.Publish("a1", model.ProgressEvent{AuditID: "a1", Status: model.StatusStarted, Progress: 10})

	select {
	case ev := <-ch:
		if ev.Status != model.StatusStarted || ev.Progress != 10 {
			t.Errorf("Unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestProgressChannelLateJoinerGetsLastEvent(t *testing.T) {
	pc := NewProgressChannel(nil, 16)

	pc.Publish("a1", model.ProgressEvent{AuditID: "a1", Status: model.StatusAnalyzing, Progress: 40})

	ch := pc.Join("a1", "late")
	select {
	case ev := <-ch:
		if ev.Progress != 40 {
			t.Errorf("Expected replayed progress 40, got %d", ev.Progress)
		}
	default:
		t.Fatal("Expected immediate delivery of last event to late joiner")
	}
}

func TestProgressChannelLateJoinerAfterCompletion(t *testing.T) {
	store := newTestStore(100)
	pc := NewProgressChannel(store, 16)

	now := time.Now()
	store.Save(&model.Audit{ID: "a1", Status: model.StatusCompleted, Progress: 100, CreatedAt: now, CompletedAt: &now})

	// No event was ever published in this process; the channel synthesizes
	// one from the persisted state.
	ch := pc.Join("a1", "late")
	select {
	case ev := <-ch:
		if ev.Status != model.StatusCompleted || ev.Progress != 100 {
			t.Errorf("Expected completed/100, got %s/%d", ev.Status, ev.Progress)
		}
	default:
		t.Fatal("Expected immediate snapshot for late joiner after completion")
	}
}

func TestProgressChannelJoinIdempotent(t *testing.T) {
	pc := NewProgressChannel(nil, 16)

	ch1 := pc.Join("a1", "obs1")
	ch2 := pc.Join("a1", "obs1")
	if ch1 != ch2 {
		t.Error("Expected joining twice to return the same channel")
	}
	if pc.Observers("a1") != 1 {
		t.Errorf("Expected 1 observer, got %d", pc.Observers("a1"))
	}
}

func TestProgressChannelMultipleObservers(t *testing.T) {
	pc := NewProgressChannel(nil, 16)

	chA := pc.Join("a1", "tabA")

	pc.Publish("a1", model.ProgressEvent{AuditID: "a1", Status: model.StatusAnalyzing, Progress: 40})
	<-chA

	// Second browser tab joins mid-flight at progress 40.
	chB := pc.Join("a1", "tabB")
	if ev := <-chB; ev.Progress != 40 {
		t.Fatalf("Expected tabB to start at 40, got %d", ev.Progress)
	}

	pc.Publish("a1", model.ProgressEvent{AuditID: "a1", Status: model.StatusDetecting, Progress: 60})
	pc.Publish("a1", model.ProgressEvent{AuditID: "a1", Status: model.StatusCompleted, Progress: 100})

	for _, ch := range []<-chan model.ProgressEvent{chA, chB} {
		last := -1
		for _, want := range []int{60, 100} {
			ev := <-ch
			if ev.Progress != want {
				t.Errorf("Expected progress %d, got %d", want, ev.Progress)
			}
			if ev.Progress < last {
				t.Errorf("Observer received decreasing progress: %d -> %d", last, ev.Progress)
			}
			last = ev.Progress
		}
	}
}

func TestProgressChannelLeave(t *testing.T) {
	pc := NewProgressChannel(nil, 16)

	ch := pc.Join("a1", "obs1")
	pc.Leave("a1", "obs1")

	if _, ok := <-ch; ok {
		t.Error("Expected channel closed after leave")
	}
	if pc.Observers("a1") != 0 {
		t.Error("Expected no observers after leave")
	}

	// Leaving twice or leaving unknown ids is harmless.
	pc.Leave("a1", "obs1")
	pc.Leave("missing", "obs1")
}

func TestProgressChannelTopicReclaim(t *testing.T) {
	pc := NewProgressChannel(nil, 16)

	pc.Join("a1", "obs1")
	pc.Publish("a1", model.ProgressEvent{AuditID: "a1", Status: model.StatusCompleted, Progress: 100})
	pc.Leave("a1", "obs1")

	pc.mu.Lock()
	_, exists := pc.topics["a1"]
	pc.mu.Unlock()
	if exists {
		t.Error("Expected terminal topic reclaimed after last observer left")
	}
}

func TestProgressChannelTopicKeptWhileRunning(t *testing.T) {
	pc := NewProgressChannel(nil, 16)

	pc.Join("a1", "obs1")
	pc.Publish("a1", model.ProgressEvent{AuditID: "a1", Status: model.StatusAnalyzing, Progress: 40})
	pc.Leave("a1", "obs1")

	pc.mu.Lock()
	_, exists := pc.topics["a1"]
	pc.mu.Unlock()
	if !exists {
		t.Error("Expected running topic kept for future joiners")
	}
}

func TestProgressChannelOverflowDropsOldest(t *testing.T) {
	pc := NewProgressChannel(nil, 2)

	ch := pc.Join("a1", "slow")
	for p := 1; p <= 5; p++ {
		pc.Publish("a1", model.ProgressEvent{AuditID: "a1", Status: model.StatusAnalyzing, Progress: p * 10})
	}

	// Queue holds the newest two events; the publisher never blocked.
	first := <-ch
	second := <-ch
	if first.Progress != 40 || second.Progress != 50 {
		t.Errorf("Expected newest events 40,50; got %d,%d", first.Progress, second.Progress)
	}
}

func TestProgressChannelConcurrentJoinPublish(t *testing.T) {
	store := newTestStore(100)
	pc := NewProgressChannel(store, 16)
	store.Save(&model.Audit{ID: "a1", Status: model.StatusStarted, Progress: 10, CreatedAt: time.Now()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		observerID := string(rune('a' + i))
		go func() {
			defer wg.Done()
			ch := pc.Join("a1", observerID)
			// Joiner either sees a published event or the store snapshot.
			select {
			case ev := <-ch:
				if ev.Progress < 10 {
					t.Errorf("Observer saw progress below initial snapshot: %d", ev.Progress)
				}
			case <-time.After(time.Second):
				t.Error("Observer never received an event")
			}
		}()
		go func() {
			defer wg.Done()
			pc.Publish("a1", model.ProgressEvent{AuditID: "a1", Status: model.StatusStarted, Progress: 15})
		}()
	}
	wg.Wait()
}

func TestChannelTransportRoundTrip(t *testing.T) {
	pc := NewProgressChannel(nil, 16)
	transport := &ChannelTransport{Channel: pc}

	stream, err := transport.Open(context.Background(), "a1", "obs1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	pc.Publish("a1", model.ProgressEvent{AuditID: "a1", Status: model.StatusStarted, Progress: 10})

	ev, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if ev.Progress != 10 {
		t.Errorf("Expected progress 10, got %d", ev.Progress)
	}

	if err := stream.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if pc.Observers("a1") != 0 {
		t.Error("Expected stream close to leave the topic")
	}
}

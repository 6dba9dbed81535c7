package service

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/peterohwofasa/chainproof-ai-sub001/model"
)

// ProgressChannel fans progress events for an audit out to any number of
// concurrent observers. Delivery is at-least-once and best-effort ordered:
// each observer has its own bounded queue, and when an observer falls behind
// the oldest queued events are dropped for that observer only. The publisher
// never blocks on a slow observer.
//
// Only the latest event per audit is retained, so a late joiner immediately
// receives the current state instead of starting blank.
type ProgressChannel struct {
	mu        sync.Mutex
	topics    map[string]*topic
	store     *AuditStore
	queueSize int
}

type topic struct {
	last *model.ProgressEvent
	subs map[string]*subscriber
}

type subscriber struct {
	ch chan model.ProgressEvent
}

// NewProgressChannel creates a channel backed by store for late-joiner state.
// queueSize bounds each observer's pending events.
func NewProgressChannel(store *AuditStore, queueSize int) *ProgressChannel {
	if queueSize < 1 {
		queueSize = 16
	}
	return &ProgressChannel{
		topics:    make(map[string]*topic),
		store:     store,
		queueSize: queueSize,
	}
}

// Join registers an observer for an audit's events and returns its receive
// channel. The last known event for the audit is delivered immediately, so a
// late joiner is never left blank. Joining twice with the same observer id is
// a no-op returning the existing channel.
func (pc *ProgressChannel) Join(auditID, observerID string) <-chan model.ProgressEvent {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	t, ok := pc.topics[auditID]
	if !ok {
		t = &topic{subs: make(map[string]*subscriber)}
		pc.topics[auditID] = t
	}
	if sub, ok := t.subs[observerID]; ok {
		return sub.ch
	}

	sub := &subscriber{ch: make(chan model.ProgressEvent, pc.queueSize)}
	t.subs[observerID] = sub

	if last := pc.currentEventLocked(auditID, t); last != nil {
		sub.ch <- *last
	}
	return sub.ch
}

// Leave deregisters an observer and closes its channel. When the last observer
// of a finished audit leaves, the transient topic is reclaimed; the persisted
// audit itself is untouched.
func (pc *ProgressChannel) Leave(auditID, observerID string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	t, ok := pc.topics[auditID]
	if !ok {
		return
	}
	sub, ok := t.subs[observerID]
	if !ok {
		return
	}
	delete(t.subs, observerID)
	close(sub.ch)

	if len(t.subs) == 0 && (t.last == nil || model.IsTerminal(t.last.Status)) {
		delete(pc.topics, auditID)
	}
}

// Publish delivers an event to all currently joined observers of an audit.
// Called only by the state machine. A full observer queue drops its oldest
// event to make room; a missing topic still records the event as the audit's
// latest for future joiners.
func (pc *ProgressChannel) Publish(auditID string, ev model.ProgressEvent) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	t, ok := pc.topics[auditID]
	if !ok {
		t = &topic{subs: make(map[string]*subscriber)}
		pc.topics[auditID] = t
	}
	evCopy := ev
	t.last = &evCopy

	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: drop the oldest event for this observer, then retry.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				slog.Warn("progress event dropped", "audit_id", auditID, "observer_id", id)
			}
		}
	}
}

// Observers returns the number of observers currently joined to an audit.
func (pc *ProgressChannel) Observers(auditID string) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if t, ok := pc.topics[auditID]; ok {
		return len(t.subs)
	}
	return 0
}

// ChannelTransport adapts a ProgressChannel to the watcher's transport
// interface for in-process observers.
type ChannelTransport struct {
	Channel *ProgressChannel
}

func (t *ChannelTransport) Open(ctx context.Context, auditID, observerID string) (ProgressStream, error) {
	ch := t.Channel.Join(auditID, observerID)
	return &channelStream{
		ctx:        ctx,
		ch:         ch,
		channel:    t.Channel,
		auditID:    auditID,
		observerID: observerID,
	}, nil
}

type channelStream struct {
	ctx        context.Context
	ch         <-chan model.ProgressEvent
	channel    *ProgressChannel
	auditID    string
	observerID string
}

func (s *channelStream) Recv() (model.ProgressEvent, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return model.ProgressEvent{}, io.EOF
		}
		return ev, nil
	case <-s.ctx.Done():
		return model.ProgressEvent{}, s.ctx.Err()
	}
}

func (s *channelStream) Close() error {
	s.channel.Leave(s.auditID, s.observerID)
	return nil
}

// currentEventLocked returns the latest event for an audit, synthesizing one
// from the persisted state when no event has been published since this
// process started watching (or the topic was reclaimed).
func (pc *ProgressChannel) currentEventLocked(auditID string, t *topic) *model.ProgressEvent {
	if t.last != nil {
		return t.last
	}
	if pc.store == nil {
		return nil
	}
	audit := pc.store.Get(auditID)
	if audit == nil {
		return nil
	}
	return &model.ProgressEvent{
		AuditID:  audit.ID,
		Status:   audit.Status,
		Progress: audit.Progress,
		Message:  audit.ErrorMsg,
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/peterohwofasa/chainproof-ai-sub001/config"
	"github.com/peterohwofasa/chainproof-ai-sub001/model"
)

// Watcher states.
const (
	WatcherConnected    = "connected"
	WatcherReconnecting = "reconnecting"
	WatcherDisconnected = "disconnected"
)

// ErrBackoffExhausted is returned when a watcher gives up reconnecting. The
// audit itself is unaffected; the caller should fall back to polling the store.
var ErrBackoffExhausted = errors.New("reconnect backoff exhausted")

// ProgressStream is one open subscription to an audit's progress events.
type ProgressStream interface {
	// Recv blocks for the next event. io.EOF or any other error means the
	// stream is dead and must be reopened.
	Recv() (model.ProgressEvent, error)
	Close() error
}

// ProgressTransport opens progress streams. Implementations wrap whatever
// transport carries events (in-process channel, SSE, ...); the watcher only
// depends on "open a stream for audit X as observer Y".
type ProgressTransport interface {
	Open(ctx context.Context, auditID, observerID string) (ProgressStream, error)
}

// WatcherConfig tunes reconnect behaviour.
type WatcherConfig struct {
	BaseBackoff time.Duration // first retry delay; doubles per attempt
	MaxBackoff  time.Duration // backoff cap
	MaxAttempts int           // consecutive failures before giving up, 0 = unlimited
}

// WatcherConfigFrom maps the progress configuration onto watcher settings.
func WatcherConfigFrom(cfg *config.ProgressConfig) WatcherConfig {
	return WatcherConfig{
		BaseBackoff: time.Duration(cfg.ReconnectBaseMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.ReconnectMaxMS) * time.Millisecond,
		MaxAttempts: cfg.ReconnectAttempts,
	}
}

// Watcher is the observer-side state machine for a job's progress feed:
// connected while a stream is live, reconnecting with capped exponential
// backoff after a drop, disconnected once backoff is exhausted. On every
// reconnect it re-opens the stream for each watched audit, which triggers
// redelivery of the last known event so no permanent gap occurs.
type Watcher struct {
	transport  ProgressTransport
	observerID string
	cfg        WatcherConfig

	mu      sync.Mutex
	state   string
	lastErr error
	cancels map[string]context.CancelFunc
	events  chan model.ProgressEvent
	wg      sync.WaitGroup
}

func NewWatcher(transport ProgressTransport, observerID string, cfg WatcherConfig) *Watcher {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Watcher{
		transport:  transport,
		observerID: observerID,
		cfg:        cfg,
		state:      WatcherDisconnected,
		cancels:    make(map[string]context.CancelFunc),
		events:     make(chan model.ProgressEvent, 64),
	}
}

// Events is the merged feed of all watched audits.
func (w *Watcher) Events() <-chan model.ProgressEvent { return w.events }

// State reports the watcher's connection state.
func (w *Watcher) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err reports why the watcher went disconnected, if it has.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Watch starts following an audit's progress. Watching an audit twice is a
// no-op. The feed for this audit stops when ctx is cancelled, Unwatch is
// called, or reconnect attempts are exhausted.
func (w *Watcher) Watch(ctx context.Context, auditID string) {
	w.mu.Lock()
	if _, ok := w.cancels[auditID]; ok {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancels[auditID] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx, auditID)
}

// Unwatch stops following an audit. The job continues regardless.
func (w *Watcher) Unwatch(auditID string) {
	w.mu.Lock()
	cancel, ok := w.cancels[auditID]
	if ok {
		delete(w.cancels, auditID)
	}
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops all watches and waits for their goroutines to finish.
func (w *Watcher) Close() {
	w.mu.Lock()
	for id, cancel := range w.cancels {
		cancel()
		delete(w.cancels, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
	close(w.events)
}

func (w *Watcher) run(ctx context.Context, auditID string) {
	defer w.wg.Done()

	attempts := 0
	backoff := w.cfg.BaseBackoff
	for {
		stream, err := w.transport.Open(ctx, auditID, w.observerID)
		if err == nil {
			w.setState(WatcherConnected)
			attempts = 0
			backoff = w.cfg.BaseBackoff
			err = w.pump(ctx, stream)
			if err == nil {
				// Terminal event observed; the watch is complete.
				w.dropWatch(auditID)
				return
			}
		}
		if ctx.Err() != nil {
			w.dropWatch(auditID)
			return
		}

		attempts++
		if w.cfg.MaxAttempts > 0 && attempts >= w.cfg.MaxAttempts {
			slog.Warn("progress watch giving up",
				"audit_id", auditID,
				"observer_id", w.observerID,
				"attempts", attempts,
				"error", fmt.Sprintf("%v", err),
			)
			w.mu.Lock()
			w.state = WatcherDisconnected
			w.lastErr = fmt.Errorf("%w: %v", ErrBackoffExhausted, err)
			w.mu.Unlock()
			w.dropWatch(auditID)
			return
		}

		w.setState(WatcherReconnecting)
		select {
		case <-ctx.Done():
			w.dropWatch(auditID)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
}

// pump forwards stream events to the merged feed. It returns nil once a
// terminal event arrives (the watch is complete) and a non-nil error when the
// stream dies early and should be reopened.
func (w *Watcher) pump(ctx context.Context, stream ProgressStream) error {
	defer stream.Close()
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		if model.IsTerminal(ev.Status) {
			// Nothing further will ever arrive for this audit.
			return nil
		}
	}
}

func (w *Watcher) setState(state string) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Watcher) dropWatch(auditID string) {
	w.mu.Lock()
	delete(w.cancels, auditID)
	w.mu.Unlock()
}

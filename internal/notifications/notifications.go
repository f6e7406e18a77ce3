// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notifications delivers fire-and-forget event notices for key
// issuance and order completion. Delivery is best effort and never blocks
// or fails the operation that triggered it.
package notifications

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types
const (
	EventOrderCompleted = "order_completed"
	EventKeyIssued      = "key_issued"
	EventKeyRevoked     = "key_revoked"
	EventTrialClaimed   = "trial_claimed"
)

// Event is a notification payload. Fields is free-form context for the
// sink (order number, masked key, plan name).
type Event struct {
	Type   string
	UserID int
	Fields map[string]any
}

// Notifier delivers events to some sink. Implementations must not block
// the caller for longer than the context allows.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the structured log. It is the default sink
// and the fallback when no external sink is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) {
	evt := log.Info().
		Str("event", event.Type).
		Int("userID", event.UserID)
	for k, v := range event.Fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg("notification dispatched")
}

// AsyncNotifier wraps another Notifier and delivers on a background
// goroutine with a bounded queue. Events are dropped, with a warning, when
// the queue is full; entitlement state never waits on delivery.
type AsyncNotifier struct {
	sink    Notifier
	queue   chan Event
	done    chan struct{}
	timeout time.Duration
}

func NewAsyncNotifier(sink Notifier, queueSize int) *AsyncNotifier {
	if queueSize <= 0 {
		queueSize = 64
	}

	n := &AsyncNotifier{
		sink:    sink,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
		timeout: 5 * time.Second,
	}

	go n.run()
	return n
}

func (n *AsyncNotifier) run() {
	for event := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		n.sink.Notify(ctx, event)
		cancel()
	}
	close(n.done)
}

func (n *AsyncNotifier) Notify(_ context.Context, event Event) {
	select {
	case n.queue <- event:
	default:
		log.Warn().Str("event", event.Type).Msg("Notification queue full, dropping event")
	}
}

// Close drains the queue and stops the worker.
func (n *AsyncNotifier) Close() {
	close(n.queue)
	<-n.done
}

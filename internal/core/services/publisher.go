package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/edvaldsson/forgeq/internal/core/domain"
)

// adminChannel is the well-known subscriber key for operator streams.
// Admin subscribers receive every owner's lifecycle events.
const adminChannel = "__admin__"

// subscriberBuffer bounds each push channel. On overflow the oldest queued
// event is dropped so delivery never blocks the supervisor.
const subscriberBuffer = 64

// ResyncFunc builds the catch-up event for a newly registered subscriber.
// For admin subscribers owner is empty and admin is true.
type ResyncFunc func(ctx context.Context, owner domain.OwnerID, admin bool) (domain.JobEvent, error)

// Publisher fans job lifecycle events out to per-owner and admin channels.
type Publisher struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan domain.JobEvent
	resync ResyncFunc
}

func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		subs:   make(map[string][]chan domain.JobEvent),
	}
}

// SetResyncSource wires the snapshot provider used to catch up reconnecting
// subscribers. Set once at startup, before any subscription.
func (p *Publisher) SetResyncSource(fn ResyncFunc) {
	p.resync = fn
}

// SubscribeOwner returns a channel receiving every event for the owner's jobs.
// The first event on the channel is a resync describing all active jobs.
func (p *Publisher) SubscribeOwner(ctx context.Context, owner domain.OwnerID) (<-chan domain.JobEvent, func()) {
	return p.subscribe(ctx, string(owner), owner, false)
}

// SubscribeAdmin returns a channel receiving every owner's events.
func (p *Publisher) SubscribeAdmin(ctx context.Context) (<-chan domain.JobEvent, func()) {
	return p.subscribe(ctx, adminChannel, "", true)
}

func (p *Publisher) subscribe(ctx context.Context, key string, owner domain.OwnerID, admin bool) (<-chan domain.JobEvent, func()) {
	ch := make(chan domain.JobEvent, subscriberBuffer)

	// Resync before registering, so the snapshot is never interleaved with
	// events published concurrently with the subscription itself.
	if p.resync != nil {
		if evt, err := p.resync(ctx, owner, admin); err != nil {
			p.logger.Error("resync snapshot failed", "owner_id", owner, "error", err)
		} else {
			ch <- evt
		}
	}

	p.mu.Lock()
	p.subs[key] = append(p.subs[key], ch)
	p.mu.Unlock()

	unsub := func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		subscribers := p.subs[key]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				p.subs[key] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(p.subs[key]) == 0 {
			delete(p.subs, key)
		}
	}

	return ch, unsub
}

// PublishToOwner fans the event out to the owner's channels and to every
// admin channel.
func (p *Publisher) PublishToOwner(owner domain.OwnerID, evt domain.JobEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	p.deliver(p.subs[string(owner)], evt)
	p.deliver(p.subs[adminChannel], evt)
}

// PublishToAdmins sends the event to admin channels only.
func (p *Publisher) PublishToAdmins(evt domain.JobEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	p.deliver(p.subs[adminChannel], evt)
}

// deliver pushes without blocking: a full channel sheds its oldest event.
func (p *Publisher) deliver(subscribers []chan domain.JobEvent, evt domain.JobEvent) {
	for _, ch := range subscribers {
		select {
		case ch <- evt:
			continue
		default:
		}
		select {
		case <-ch:
			p.logger.Warn("subscriber lagging, dropped oldest event", "job_id", evt.JobID)
		default:
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

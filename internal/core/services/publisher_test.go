package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvaldsson/forgeq/internal/core/domain"
)

func TestPublisher_OwnerIsolation(t *testing.T) {
	pub := NewPublisher(testLogger())
	ctx := context.Background()

	aliceCh, unsubA := pub.SubscribeOwner(ctx, "alice")
	defer unsubA()
	bobCh, unsubB := pub.SubscribeOwner(ctx, "bob")
	defer unsubB()

	pub.PublishToOwner("alice", domain.JobEvent{Type: domain.EventJobStarted, JobID: "j1", OwnerID: "alice"})

	evt := <-aliceCh
	assert.Equal(t, domain.JobID("j1"), evt.JobID)

	select {
	case got := <-bobCh:
		t.Fatalf("bob received alice's event: %+v", got)
	default:
	}
}

func TestPublisher_AdminSeesAllOwners(t *testing.T) {
	pub := NewPublisher(testLogger())
	ctx := context.Background()

	adminCh, unsub := pub.SubscribeAdmin(ctx)
	defer unsub()

	pub.PublishToOwner("alice", domain.JobEvent{Type: domain.EventJobStarted, JobID: "j1", OwnerID: "alice"})
	pub.PublishToOwner("bob", domain.JobEvent{Type: domain.EventJobDone, JobID: "j2", OwnerID: "bob"})

	first := <-adminCh
	second := <-adminCh
	assert.Equal(t, domain.JobID("j1"), first.JobID)
	assert.Equal(t, domain.JobID("j2"), second.JobID)
}

func TestPublisher_ResyncIsFirstEvent(t *testing.T) {
	pub := NewPublisher(testLogger())
	pub.SetResyncSource(func(_ context.Context, owner domain.OwnerID, admin bool) (domain.JobEvent, error) {
		return domain.JobEvent{
			Type:       domain.EventResync,
			OwnerID:    owner,
			ActiveJobs: []domain.Job{{ID: "j1", OwnerID: owner, Status: domain.JobStatusRunning}},
		}, nil
	})

	ch, unsub := pub.SubscribeOwner(context.Background(), "alice")
	defer unsub()

	pub.PublishToOwner("alice", domain.JobEvent{Type: domain.EventJobProgress, JobID: "j1"})

	first := <-ch
	require.Equal(t, domain.EventResync, first.Type)
	require.Len(t, first.ActiveJobs, 1)

	second := <-ch
	assert.Equal(t, domain.EventJobProgress, second.Type)
}

func TestPublisher_SlowSubscriberDropsOldest(t *testing.T) {
	pub := NewPublisher(testLogger())
	ch, unsub := pub.SubscribeOwner(context.Background(), "alice")
	defer unsub()

	// Overfill the buffer without draining; publishing must never block.
	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		pub.PublishToOwner("alice", domain.JobEvent{
			Type:        domain.EventJobProgress,
			JobID:       "j1",
			ProgressPct: i,
		})
	}

	// The oldest events were shed; the newest survives at the tail.
	var last domain.JobEvent
	count := 0
	for {
		select {
		case evt := <-ch:
			last = evt
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, count)
	assert.Equal(t, total-1, last.ProgressPct)
}

func TestPublisher_UnsubscribeClosesChannel(t *testing.T) {
	pub := NewPublisher(testLogger())
	ch, unsub := pub.SubscribeOwner(context.Background(), "alice")
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	pub.PublishToOwner("alice", domain.JobEvent{Type: domain.EventJobDone, JobID: "j1"})
}

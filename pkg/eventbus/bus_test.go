package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/eventbus"
)

func TestSubscribeReceivesEmittedEvent(t *testing.T) {
	bus := eventbus.New(zap.NewNop().Sugar())
	sub := bus.Subscribe("")
	defer sub.Close()

	event := domain.Event{Type: domain.EventProvidersChanged, Timestamp: time.Now()}
	bus.Emit(event)

	select {
	case got := <-sub.Events:
		assert.Equal(t, event.Type, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEmitFansOutToAllSubscribers(t *testing.T) {
	bus := eventbus.New(zap.NewNop().Sugar())
	subA := bus.Subscribe("")
	subB := bus.Subscribe("")
	defer subA.Close()
	defer subB.Close()

	bus.Emit(domain.Event{Type: domain.EventVaultUnlocked})

	for _, sub := range []*eventbus.Subscription{subA, subB} {
		select {
		case got := <-sub.Events:
			assert.Equal(t, domain.EventVaultUnlocked, got.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fanout event")
		}
	}
}

func TestCloseUnregistersSubscriber(t *testing.T) {
	bus := eventbus.New(zap.NewNop().Sugar())
	sub := bus.Subscribe("")
	require.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-sub.Events
	assert.False(t, open)
}

func TestEmitToOnlyReachesSubscribersOfThatTopic(t *testing.T) {
	bus := eventbus.New(zap.NewNop().Sugar())
	subTopic := bus.Subscribe("provider-7")
	subOther := bus.Subscribe("provider-9")
	defer subTopic.Close()
	defer subOther.Close()

	bus.EmitTo("provider-7", domain.Event{Type: domain.EventPipelineCacheInvalidated})

	select {
	case got := <-subTopic.Events:
		assert.Equal(t, domain.EventPipelineCacheInvalidated, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for targeted event")
	}

	select {
	case got := <-subOther.Events:
		t.Fatalf("unrelated topic subscriber should not have received an event, got %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitDropsOldestWhenSubscriberBufferFull(t *testing.T) {
	bus := eventbus.New(zap.NewNop().Sugar())
	sub := bus.Subscribe("")
	defer sub.Close()

	// Overfill the buffer; the bus must not block the emitter.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 2000; i++ {
			bus.Emit(domain.Event{Type: domain.EventPipelinesUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emit blocked on a full subscriber buffer")
	}
}

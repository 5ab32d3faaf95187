package metrics_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
	"github.com/pipedash/pipedash/pkg/eventbus"
	"github.com/pipedash/pipedash/pkg/metrics"
)

func TestCleanupEmitsMetricsGenerated(t *testing.T) {
	bus := eventbus.New(zap.NewNop().Sugar())
	sub := bus.Subscribe("")
	defer sub.Close()

	hook := metrics.New(bus, zap.NewNop().Sugar())

	require.NoError(t, hook.Cleanup(context.Background()))

	select {
	case event := <-sub.Events:
		require.Equal(t, domain.EventMetricsGenerated, event.Type)
	default:
		t.Fatal("expected MetricsGenerated to be emitted")
	}
}

func TestRecordAndSetPipelinesTrackedDoNotPanic(t *testing.T) {
	hook := metrics.New(eventbus.New(zap.NewNop().Sugar()), zap.NewNop().Sugar())

	hook.Record(1, 0, nil)
	hook.Record(2, 0, errors.New("boom"))
	hook.SetPipelinesTracked(5)
}

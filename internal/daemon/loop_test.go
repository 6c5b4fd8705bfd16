package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoop_WakeCutsSleepShort(t *testing.T) {
	var n atomic.Int32
	l := newLoop("test", time.Hour, zap.NewNop().Sugar(), func(context.Context) { n.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.run(ctx) }()

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	l.Wake()
	require.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop while sleeping")
	}
}

func TestLoop_WakesCollapse(t *testing.T) {
	l := newLoop("test", time.Hour, zap.NewNop().Sugar(), func(context.Context) {})
	l.Wake()
	l.Wake()
	l.Wake()
	assert.Len(t, l.wake, 1)
}

func TestLoop_IteratesOnDelay(t *testing.T) {
	var n atomic.Int32
	core, logs := observer.New(zapcore.InfoLevel)
	l := newLoop("paced", 5*time.Millisecond, zap.New(core).Sugar(), func(context.Context) { n.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, logs.FilterMessage("loop_started loop=paced delay=5ms").Len())
	assert.Equal(t, 1, logs.FilterMessage("loop_stopped loop=paced").Len())
}

func TestLoop_NoIterationAfterCancel(t *testing.T) {
	var n atomic.Int32
	l := newLoop("test", time.Hour, zap.NewNop().Sugar(), func(context.Context) { n.Add(1) })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.run(ctx))
	assert.Equal(t, int32(0), n.Load())
}

package shutdown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownRunsInReverseOnce(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	m.OnShutdown("feed", record("feed"))
	m.OnShutdown("sequencer", record("sequencer"))
	m.OnShutdown("transport", record("transport"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)
	m.Shutdown(ctx)

	assert.Equal(t, []string{"transport", "sequencer", "feed"}, order)
}

func TestShutdownGivesUpAfterTimeout(t *testing.T) {
	m := NewManager()
	ran := false
	m.OnShutdown("late", func(context.Context) { ran = true })
	m.OnShutdown("stuck", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	m.Shutdown(ctx)

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, ran)
}

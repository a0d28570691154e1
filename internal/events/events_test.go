package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncDeliveryPreservesOrder(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	Subscribe[int](s, "numbers", func(_ context.Context, n int) error {
		mu.Lock()
		got = append(got, n)
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 1; i <= 5; i++ {
		require.NoError(t, Emit(s, "numbers", i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	calls := make(chan string, 4)
	sub := Subscribe[string](s, "topic", func(_ context.Context, v string) error {
		calls <- v
		return nil
	})

	require.NoError(t, Emit(s, "topic", "first"))
	assert.Equal(t, "first", <-calls)

	sub.Unsubscribe()
	require.NoError(t, Emit(s, "topic", "second"))

	// A marker on another topic proves the loop drained "second".
	marker := make(chan struct{})
	Subscribe[struct{}](s, "marker", func(context.Context, struct{}) error {
		close(marker)
		return nil
	})
	require.NoError(t, Emit(s, "marker", struct{}{}))
	<-marker

	assert.Empty(t, calls)
}

func TestMismatchedTypeIsIgnored(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	called := false
	Subscribe[int](s, "typed", func(context.Context, int) error {
		called = true
		return nil
	})
	require.NoError(t, Emit(s, "typed", "not an int"))

	require.Eventually(t, func() bool { return s.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, called)
}

func TestEmitAfterComplete(t *testing.T) {
	s := NewSubject()
	Complete(s)
	Complete(s)

	assert.Error(t, Emit(s, "topic", 1))
}

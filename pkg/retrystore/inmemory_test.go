package retrystore_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-speechflow/pkg/retrystore"
)

func TestInMemoryStore_BumpAndClear(t *testing.T) {
	store := retrystore.NewInMemoryStore()
	ctx := context.Background()

	count, err := store.Bump(ctx, "payload-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.Bump(ctx, "payload-a")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Keys are independent.
	count, err = store.Bump(ctx, "payload-b")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.Clear(ctx, "payload-a"))
	count, err = store.Bump(ctx, "payload-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "a cleared key starts over")
}

func TestInMemoryStore_ClearUnknownKey(t *testing.T) {
	store := retrystore.NewInMemoryStore()
	assert.NoError(t, store.Clear(context.Background(), "never-seen"))
}

func TestInMemoryStore_ConcurrentBumps(t *testing.T) {
	store := retrystore.NewInMemoryStore()
	ctx := context.Background()

	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_, _ = store.Bump(ctx, "shared")
		}()
	}
	wg.Wait()

	count, err := store.Bump(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, goroutines+1, count)
}

package provider

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Mschirtzinger/tillsync/internal/protocol"
	"github.com/Mschirtzinger/tillsync/internal/replica"
)

func testKey() Key {
	return protocol.Room{ID: "store-42", Schema: "pos", Version: 3}
}

func TestGetOrCreate_ConcurrentCallersShareOneHandle(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	gate := make(chan struct{})

	open := func(ctx context.Context, key Key) (*replica.DB, error) {
		calls.Add(1)
		<-gate
		return DirOpener(dir)(ctx, key)
	}
	p := New(open, zaptest.NewLogger(t), nil)
	defer p.Close()

	const n = 16
	handles := make([]*Handle, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = p.GetOrCreate(context.Background(), testKey())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, p.Len())
}

func TestGetOrCreate_FailureIsNotCached(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	boom := errors.New("disk on fire")

	open := func(ctx context.Context, key Key) (*replica.DB, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return DirOpener(dir)(ctx, key)
	}
	p := New(open, zaptest.NewLogger(t), nil)
	defer p.Close()

	_, err := p.GetOrCreate(context.Background(), testKey())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Len())

	h, err := p.GetOrCreate(context.Background(), testKey())
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrCreate_DistinctKeys(t *testing.T) {
	dir := t.TempDir()
	p := New(DirOpener(dir), zaptest.NewLogger(t), nil)
	defer p.Close()

	k1 := testKey()
	k2 := testKey()
	k2.Version = 4

	h1, err := p.GetOrCreate(context.Background(), k1)
	require.NoError(t, err)
	h2, err := p.GetOrCreate(context.Background(), k2)
	require.NoError(t, err)

	assert.NotSame(t, h1, h2)
	assert.NotEqual(t, h1.DB.SiteID(), h2.DB.SiteID())
	assert.Equal(t, filepath.Join(dir, "store-42", "pos-v3.db"), h1.DB.Path())
	assert.Equal(t, filepath.Join(dir, "store-42", "pos-v4.db"), h2.DB.Path())
}

func TestDirOpener_RejectsEscapingNames(t *testing.T) {
	open := DirOpener(t.TempDir())
	for _, key := range []Key{
		{ID: "..", Schema: "pos", Version: 1},
		{ID: "a/b", Schema: "pos", Version: 1},
		{ID: "room", Schema: "../x", Version: 1},
	} {
		_, err := open(context.Background(), key)
		assert.Error(t, err, "key %s", key)
	}
}

func TestClose(t *testing.T) {
	p := New(DirOpener(t.TempDir()), zaptest.NewLogger(t), nil)
	_, err := p.GetOrCreate(context.Background(), testKey())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.GetOrCreate(context.Background(), testKey())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandle_NotifyWakesSubscribers(t *testing.T) {
	h := newHandle(testKey(), nil)
	a, unsubA := h.Subscribe()
	b, unsubB := h.Subscribe()
	defer unsubB()

	h.Notify()
	h.Notify()

	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		default:
			t.Fatal("subscriber not notified")
		}
		select {
		case <-ch:
			t.Fatal("notifications should coalesce")
		default:
		}
	}

	unsubA()
	assert.Equal(t, 1, h.Subscribers())
}

package arena_test

import (
	"sync"
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tidalmem/tidalmem"
	"github.com/tidalmem/tidalmem/arena"
)

func TestArenaBudget(t *testing.T) {
	a, err := arena.New(tidalmem.DeviceAccelerator, 1000, 100)
	require.NoError(t, err)

	require.Equal(t, tidalmem.DeviceAccelerator, a.Kind())
	require.Equal(t, 1000, a.CapacityBytes())
	require.Equal(t, 100, a.ReservedBytes())
	require.Equal(t, 900, a.BudgetBytes())
	require.Equal(t, 900, a.FreeBytes())
	require.Equal(t, 0, a.SlabBytes())
	require.Equal(t, 0, a.SlabCount())
	require.Equal(t, float64(0), a.Usage())
}

func TestArenaCreateInvalid(t *testing.T) {
	_, err := arena.New(tidalmem.DeviceAccelerator, 0, 0)
	require.Error(t, err)

	_, err = arena.New(tidalmem.DeviceAccelerator, 1000, 1000)
	require.Error(t, err)

	_, err = arena.New(tidalmem.DeviceAccelerator, 1000, -1)
	require.Error(t, err)
}

func TestArenaAllocFree(t *testing.T) {
	a, err := arena.New(tidalmem.DeviceHost, 1000, 0)
	require.NoError(t, err)

	slab, err := a.AllocSlab(400)
	require.NoError(t, err)
	require.Len(t, slab, 400)
	require.Equal(t, 400, a.SlabBytes())
	require.Equal(t, 1, a.SlabCount())
	require.Equal(t, 600, a.FreeBytes())
	require.InDelta(t, 0.4, a.Usage(), 0.0001)

	// Slabs come back zeroed.
	for _, b := range slab {
		require.Equal(t, byte(0), b)
	}

	_, err = a.AllocSlab(700)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, arena.FullError))
	require.Equal(t, 400, a.SlabBytes())
	require.Equal(t, 1, a.SlabCount())

	a.FreeSlab(400)
	require.Equal(t, 0, a.SlabBytes())
	require.Equal(t, 0, a.SlabCount())
	require.Equal(t, 1000, a.FreeBytes())

	slab, err = a.AllocSlab(1000)
	require.NoError(t, err)
	require.Len(t, slab, 1000)
	require.Equal(t, 0, a.FreeBytes())
}

func TestArenaAllocInvalidSize(t *testing.T) {
	a, err := arena.New(tidalmem.DeviceHost, 1000, 0)
	require.NoError(t, err)

	_, err = a.AllocSlab(0)
	require.Error(t, err)
	require.False(t, cerrors.Is(err, arena.FullError))

	_, err = a.AllocSlab(-5)
	require.Error(t, err)
}

func TestArenaFreeUnderflowPanics(t *testing.T) {
	a, err := arena.New(tidalmem.DeviceHost, 1000, 0)
	require.NoError(t, err)

	require.Panics(t, func() {
		a.FreeSlab(100)
	})
}

func TestArenaConcurrentAllocNeverOvershoots(t *testing.T) {
	a, err := arena.New(tidalmem.DeviceAccelerator, 64*100, 0)
	require.NoError(t, err)

	// 200 goroutines race for 100 slabs' worth of budget.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, allocErr := a.AllocSlab(64)
			if allocErr == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 100, succeeded)
	require.Equal(t, 64*100, a.SlabBytes())
	require.Equal(t, 0, a.FreeBytes())
}

package tidalmem_test

import (
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tidalmem/tidalmem"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, tidalmem.CheckPow2(uint(1), "value"))
	require.NoError(t, tidalmem.CheckPow2(uint(64), "value"))
	require.NoError(t, tidalmem.CheckPow2(uint(1<<20), "value"))

	err := tidalmem.CheckPow2(uint(3), "value")
	require.Error(t, err)
	require.True(t, cerrors.Is(err, tidalmem.PowerOfTwoError))

	require.Error(t, tidalmem.CheckPow2(uint(65537), "value"))
}

func TestAlign(t *testing.T) {
	require.Equal(t, 0, tidalmem.AlignUp(0, 16))
	require.Equal(t, 16, tidalmem.AlignUp(1, 16))
	require.Equal(t, 16, tidalmem.AlignUp(16, 16))
	require.Equal(t, 32, tidalmem.AlignUp(17, 16))

	require.Equal(t, 0, tidalmem.AlignDown(15, 16))
	require.Equal(t, 16, tidalmem.AlignDown(16, 16))
	require.Equal(t, 16, tidalmem.AlignDown(31, 16))
}

func TestDTypeSizes(t *testing.T) {
	require.Equal(t, 2, tidalmem.Float16.Size())
	require.Equal(t, 4, tidalmem.Float32.Size())
	require.Equal(t, 4, tidalmem.Int32.Size())
	require.Equal(t, 8, tidalmem.Int64.Size())
}

func TestStatisticsAccumulation(t *testing.T) {
	var a tidalmem.Statistics
	a.Clear()
	a.AddStatistics(&tidalmem.Statistics{ChunkCount: 1, RegionCount: 2, ChunkBytes: 100, RegionBytes: 50})
	a.AddStatistics(&tidalmem.Statistics{ChunkCount: 2, RegionCount: 1, ChunkBytes: 200, RegionBytes: 75})

	require.Equal(t, tidalmem.Statistics{
		ChunkCount:  3,
		RegionCount: 3,
		ChunkBytes:  300,
		RegionBytes: 125,
	}, a)

	var d tidalmem.DetailedStatistics
	d.Clear()
	d.AddRegion(40)
	d.AddRegion(60)
	d.AddFreeRange(10)
	d.AddFreeRange(30)

	require.Equal(t, 2, d.RegionCount)
	require.Equal(t, 100, d.RegionBytes)
	require.Equal(t, 40, d.RegionSizeMin)
	require.Equal(t, 60, d.RegionSizeMax)
	require.Equal(t, 2, d.FreeRangeCount)
	require.Equal(t, 10, d.FreeRangeSizeMin)
	require.Equal(t, 30, d.FreeRangeSizeMax)

	var merged tidalmem.DetailedStatistics
	merged.Clear()
	merged.AddDetailedStatistics(&d)
	require.Equal(t, d, merged)
}

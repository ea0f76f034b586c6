package tidalmem

import "math"

// Statistics summarizes chunk usage for one device tier or for the whole pool.
type Statistics struct {
	ChunkCount  int
	RegionCount int
	ChunkBytes  int
	RegionBytes int
}

func (s *Statistics) Clear() {
	s.ChunkCount = 0
	s.RegionCount = 0
	s.ChunkBytes = 0
	s.RegionBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ChunkCount += other.ChunkCount
	s.RegionCount += other.RegionCount
	s.ChunkBytes += other.ChunkBytes
	s.RegionBytes += other.RegionBytes
}

type DetailedStatistics struct {
	Statistics
	FreeRangeCount   int
	RegionSizeMin    int
	RegionSizeMax    int
	FreeRangeSizeMin int
	FreeRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.RegionSizeMin = math.MaxInt
	s.RegionSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddRegion(size int) {
	s.RegionCount++
	s.RegionBytes += size

	if size < s.RegionSizeMin {
		s.RegionSizeMin = size
	}

	if size > s.RegionSizeMax {
		s.RegionSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount

	if other.RegionSizeMin < s.RegionSizeMin {
		s.RegionSizeMin = other.RegionSizeMin
	}
	if other.RegionSizeMax > s.RegionSizeMax {
		s.RegionSizeMax = other.RegionSizeMax
	}
	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}
	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}
}

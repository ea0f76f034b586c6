package chunk

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/tidalmem/tidalmem"
)

// Region is one tensor's byte range within a chunk. Regions never overlap and
// a tensor's storage never spans two chunks.
type Region struct {
	Tensor tidalmem.TensorID
	Offset int
	Length int
	DType  tidalmem.DType
	Kind   tidalmem.AccessKind

	// Retired marks the region's payload as logically done for this step, e.g.
	// a forward activation after its backward use. The bytes stay in place
	// until the chunk is reclaimed or the tensor is re-acquired.
	Retired bool
}

// findFreeRange locates the first contiguous free range of at least length
// bytes, scanning the gaps between regions in offset order. A DebugMargin gap
// is kept between neighboring regions when the debug build tag is active.
func (c *Chunk) findFreeRange(length int) (int, bool) {
	cursor := 0
	for _, region := range c.regions {
		if region.Offset-cursor >= length+tidalmem.DebugMargin {
			return cursor, true
		}
		cursor = region.Offset + region.Length + tidalmem.DebugMargin
	}

	if c.capacity-cursor >= length+tidalmem.DebugMargin {
		return cursor, true
	}

	return 0, false
}

// insertRegion places a region at the provided offset, keeping the region list
// ordered. The offset must have come from findFreeRange.
func (c *Chunk) insertRegion(region *Region) error {
	index := len(c.regions)
	for i, existing := range c.regions {
		if existing.Offset > region.Offset {
			index = i
			break
		}
	}

	if index > 0 {
		prev := c.regions[index-1]
		if prev.Offset+prev.Length > region.Offset {
			return cerrors.Errorf("region for tensor %d at offset %d overlaps the region ending at %d",
				region.Tensor, region.Offset, prev.Offset+prev.Length)
		}
	}
	if index < len(c.regions) {
		next := c.regions[index]
		if region.Offset+region.Length > next.Offset {
			return cerrors.Errorf("region for tensor %d at offset %d overlaps the region starting at %d",
				region.Tensor, region.Offset, next.Offset)
		}
	}

	c.regions = append(c.regions, nil)
	copy(c.regions[index+1:], c.regions[index:])
	c.regions[index] = region
	c.byTensor.Put(region.Tensor, region)
	return nil
}

func (c *Chunk) removeRegion(tensor tidalmem.TensorID) (*Region, error) {
	region, ok := c.byTensor.Get(tensor)
	if !ok {
		return nil, cerrors.Wrapf(tidalmem.UnknownTensorError, "tensor %d has no region in chunk %d", tensor, c.id)
	}

	for i, existing := range c.regions {
		if existing == region {
			c.regions = append(c.regions[:i], c.regions[i+1:]...)
			break
		}
	}
	c.byTensor.Delete(tensor)
	return region, nil
}

// UsedBytes is the total occupied length across all payload regions.
func (c *Chunk) UsedBytes() int {
	used := 0
	for _, region := range c.regions {
		used += region.Length
	}
	return used
}

// FreeBytes is the chunk capacity not covered by any payload region.
func (c *Chunk) FreeBytes() int {
	return c.capacity - c.UsedBytes()
}

// RegionCount returns the number of live payload regions.
func (c *Chunk) RegionCount() int {
	return len(c.regions)
}

// VisitRegions calls the provided callback once for each payload region and
// each free range, in offset order.
func (c *Chunk) VisitRegions(handleRange func(offset, length int, region *Region) error) error {
	cursor := 0
	for _, region := range c.regions {
		if region.Offset > cursor {
			err := handleRange(cursor, region.Offset-cursor, nil)
			if err != nil {
				return err
			}
		}

		err := handleRange(region.Offset, region.Length, region)
		if err != nil {
			return err
		}
		cursor = region.Offset + region.Length
	}

	if cursor < c.capacity {
		return handleRange(cursor, c.capacity-cursor, nil)
	}

	return nil
}

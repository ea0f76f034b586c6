package chunk

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tidalmem/tidalmem"
)

// AddStatistics sums this chunk's usage into the provided statistics object.
func (c *Chunk) AddStatistics(stats *tidalmem.Statistics) {
	stats.ChunkCount++
	stats.ChunkBytes += c.capacity
	stats.RegionCount += len(c.regions)
	stats.RegionBytes += c.UsedBytes()
}

// AddDetailedStatistics sums this chunk's usage, region sizes, and free ranges
// into the provided statistics object.
func (c *Chunk) AddDetailedStatistics(stats *tidalmem.DetailedStatistics) {
	stats.ChunkCount++
	stats.ChunkBytes += c.capacity

	_ = c.VisitRegions(func(offset, length int, region *Region) error {
		if region == nil {
			stats.AddFreeRange(length)
		} else {
			stats.AddRegion(length)
		}
		return nil
	})
}

// PrintDetailedMap writes this chunk's layout to the provided json object,
// including every payload region and free range in offset order.
func (c *Chunk) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Id").Int(int(c.id))
	json.Name("Kind").String(c.kind.String())
	json.Name("State").String(c.state.String())
	json.Name("ResidentDevice").String(c.residentDevice.String())
	json.Name("TotalBytes").Int(c.capacity)
	json.Name("UsedBytes").Int(c.UsedBytes())
	json.Name("LastAccess").Int(int(c.lastAccess))

	regionsJson := json.Name("Regions").Array()
	defer regionsJson.End()

	_ = c.VisitRegions(func(offset, length int, region *Region) error {
		obj := regionsJson.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(length)
		if region == nil {
			obj.Name("Type").String("Free")
			return nil
		}

		obj.Name("Type").String(region.Kind.String())
		obj.Name("Tensor").Int(int(region.Tensor))
		obj.Name("DType").String(region.DType.String())
		obj.Name("Retired").Bool(region.Retired)
		return nil
	})
}

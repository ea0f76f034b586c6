package tidalmem

// DeviceKind identifies one of the two memory tiers a chunk can reside on.
type DeviceKind uint32

const (
	// DeviceAccelerator is the fast, capacity-limited tier that compute reads
	// and writes directly.
	DeviceAccelerator DeviceKind = iota
	// DeviceHost is the larger, slower tier that chunks are evicted to when the
	// accelerator's working set exceeds its budget.
	DeviceHost
)

var deviceKindMapping = map[DeviceKind]string{
	DeviceAccelerator: "DeviceAccelerator",
	DeviceHost:        "DeviceHost",
}

func (d DeviceKind) String() string {
	return deviceKindMapping[d]
}

// Package chunk implements the fixed-size memory block that pools tensor
// storage. A chunk is resident on exactly one device tier at a time, tracks the
// byte ranges backing each tensor, and runs the per-step lifecycle state
// machine that keeps migration and compute mutually exclusive.
package chunk

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/tidalmem/tidalmem"
)

// Chunk is a fixed-size contiguous block backing one or more tensors of a
// single access kind. All mutation goes through the owning registry and
// scheduler under their synchronization- the chunk itself is not goroutine
// safe.
type Chunk struct {
	id       tidalmem.ChunkID
	kind     tidalmem.AccessKind
	capacity int

	state          State
	residentDevice tidalmem.DeviceKind
	payload        []byte

	regions  []*Region
	byTensor *swiss.Map[tidalmem.TensorID, *Region]

	numInCompute int
	lastAccess   uint64

	migrating chan struct{}

	audit    []AuditEvent
	auditSeq uint64
}

// New creates a chunk around a payload slab already committed on the provided
// device. The chunk starts in StateFree.
func New(id tidalmem.ChunkID, kind tidalmem.AccessKind, device tidalmem.DeviceKind, payload []byte) *Chunk {
	return &Chunk{
		id:             id,
		kind:           kind,
		capacity:       len(payload),
		state:          StateFree,
		residentDevice: device,
		payload:        payload,
		byTensor:       swiss.NewMap[tidalmem.TensorID, *Region](8),
	}
}

func (c *Chunk) ID() tidalmem.ChunkID { return c.id }

func (c *Chunk) Kind() tidalmem.AccessKind { return c.kind }

func (c *Chunk) Capacity() int { return c.capacity }

func (c *Chunk) State() State { return c.state }

func (c *Chunk) ResidentDevice() tidalmem.DeviceKind { return c.residentDevice }

// Payload exposes the chunk's backing bytes. Compute collaborators must only
// touch it between BeginAccess and EndAccess.
func (c *Chunk) Payload() []byte { return c.payload }

// LastAccess returns the logical clock tick of the most recent access, used
// for least-recently-accessed victim ordering.
func (c *Chunk) LastAccess() uint64 { return c.lastAccess }

// Touch records an access at the provided logical clock tick.
func (c *Chunk) Touch(tick uint64) {
	c.lastAccess = tick
}

func (c *Chunk) setState(to State) {
	from := c.state
	if !transitionValid(from, to) {
		panic(fmt.Sprintf("chunk %d: invalid state transition %s -> %s", c.id, from, to))
	}

	c.auditSeq++
	c.audit = append(c.audit, AuditEvent{
		Kind: AuditTransition,
		Seq:  c.auditSeq,
		From: from,
		To:   to,
	})
	c.state = to
}

// Audit returns the chunk's state-transition audit log.
func (c *Chunk) Audit() []AuditEvent {
	return c.audit
}

// AddRegion assigns a byte range to the tensor, transitioning the chunk out of
// StateFree on its first region. It returns false if no contiguous free range
// of the requested length exists, or if the chunk cannot accept regions right
// now (in compute or mid-migration)- the registry then tries the next chunk.
func (c *Chunk) AddRegion(tensor tidalmem.TensorID, length int, dtype tidalmem.DType) (*Region, bool) {
	if length > c.FreeBytes() {
		return nil, false
	}
	if c.state == StateCompute || c.migrating != nil {
		return nil, false
	}

	offset, ok := c.findFreeRange(length)
	if !ok {
		return nil, false
	}

	region := &Region{
		Tensor: tensor,
		Offset: offset,
		Length: length,
		DType:  dtype,
		Kind:   c.kind,
	}
	err := c.insertRegion(region)
	if err != nil {
		panic(fmt.Sprintf("chunk %d: free range scan produced an overlapping region: %+v", c.id, err))
	}
	tidalmem.WriteMagicValue(c.payload, offset+length)

	if c.state == StateFree {
		c.setState(StateHold)
	} else if c.state == StateReleased {
		// A fresh tensor re-occupies a retired chunk.
		c.setState(StateHold)
	}

	tidalmem.DebugValidate(c)
	return region, true
}

// RemoveRegion vacates the tensor's byte range. When the last region is
// removed the chunk moves to StateReleased- physical reclamation happens later
// in the registry's sweep.
func (c *Chunk) RemoveRegion(tensor tidalmem.TensorID) error {
	if c.state == StateCompute {
		return cerrors.Errorf("chunk %d: cannot free tensor %d while the chunk is in compute", c.id, tensor)
	}

	_, err := c.removeRegion(tensor)
	if err != nil {
		return err
	}

	if len(c.regions) == 0 && c.state == StateHold {
		c.setState(StateReleased)
	}

	tidalmem.DebugValidate(c)
	return nil
}

// Region looks up the tensor's byte range within this chunk.
func (c *Chunk) Region(tensor tidalmem.TensorID) (*Region, bool) {
	return c.byTensor.Get(tensor)
}

// MarkRetired flags the tensor's payload as step-scoped done. When every
// region is retired the chunk moves to StateReleased and becomes the cheapest
// possible eviction victim.
func (c *Chunk) MarkRetired(tensor tidalmem.TensorID) error {
	region, ok := c.byTensor.Get(tensor)
	if !ok {
		return cerrors.Wrapf(tidalmem.UnknownTensorError, "tensor %d has no region in chunk %d", tensor, c.id)
	}
	if c.state == StateCompute {
		return cerrors.Errorf("chunk %d: cannot retire tensor %d while the chunk is in compute", c.id, tensor)
	}

	region.Retired = true

	if c.state == StateHold && c.allRetired() {
		c.setState(StateReleased)
	}
	return nil
}

func (c *Chunk) allRetired() bool {
	for _, region := range c.regions {
		if !region.Retired {
			return false
		}
	}
	return len(c.regions) > 0
}

// BeginAccess brackets the start of a compute read or write of one of this
// chunk's tensors. It fails with ChunkMigratingError while a migration is in
// flight. Accessing a released chunk re-acquires it for the step.
func (c *Chunk) BeginAccess() error {
	if c.migrating != nil {
		return cerrors.Wrapf(tidalmem.ChunkMigratingError, "chunk %d", c.id)
	}

	switch c.state {
	case StateFree:
		return cerrors.Errorf("chunk %d: cannot access a chunk with no payload regions", c.id)
	case StateReleased:
		for _, region := range c.regions {
			region.Retired = false
		}
		c.setState(StateHold)
		c.setState(StateCompute)
	case StateHold:
		c.setState(StateCompute)
	case StateCompute:
		// Already in compute from another tensor in the same chunk.
	}

	c.numInCompute++
	return nil
}

// EndAccess brackets the end of a compute read or write. The chunk returns to
// StateHold once the last accessor ends.
func (c *Chunk) EndAccess() {
	if c.state != StateCompute || c.numInCompute == 0 {
		panic(fmt.Sprintf("chunk %d: EndAccess without a matching BeginAccess", c.id))
	}

	c.numInCompute--
	if c.numInCompute == 0 {
		c.setState(StateHold)
	}
}

// InCompute returns the number of tensors currently bracketed by
// BeginAccess/EndAccess.
func (c *Chunk) InCompute() int {
	return c.numInCompute
}

// BeginMigration latches the chunk for an in-flight migration. It panics when
// called on a chunk in StateCompute- the placement scheduler must never commit
// such a move.
func (c *Chunk) BeginMigration() {
	if !c.state.CanMigrate() {
		panic(fmt.Sprintf("chunk %d: migration attempted in state %s", c.id, c.state))
	}
	if c.migrating != nil {
		panic(fmt.Sprintf("chunk %d: migration attempted while another is in flight", c.id))
	}

	c.auditSeq++
	c.audit = append(c.audit, AuditEvent{
		Kind: AuditMigrationBegin,
		Seq:  c.auditSeq,
		From: c.state,
		To:   c.state,
	})
	c.migrating = make(chan struct{})
}

// CompleteMigration installs the copied payload on the target device and
// releases the migration latch, waking any blocked accessors.
func (c *Chunk) CompleteMigration(device tidalmem.DeviceKind, payload []byte) {
	if c.migrating == nil {
		panic(fmt.Sprintf("chunk %d: CompleteMigration without BeginMigration", c.id))
	}

	c.residentDevice = device
	c.payload = payload

	c.auditSeq++
	c.audit = append(c.audit, AuditEvent{
		Kind: AuditMigrationEnd,
		Seq:  c.auditSeq,
		From: c.state,
		To:   c.state,
	})

	close(c.migrating)
	c.migrating = nil

	tidalmem.DebugValidate(c)
}

// Migrating reports whether a migration is in flight for this chunk.
func (c *Chunk) Migrating() bool {
	return c.migrating != nil
}

// MigrationDone returns a channel closed when the in-flight migration
// completes, or nil when no migration is in flight.
func (c *Chunk) MigrationDone() <-chan struct{} {
	return c.migrating
}

// Reclaim drops the payload of a released chunk and moves it to StateFree. The
// caller is responsible for returning the slab bytes to the owning arena and
// for unmapping any remaining retired tensors.
func (c *Chunk) Reclaim() []tidalmem.TensorID {
	if c.state != StateReleased {
		panic(fmt.Sprintf("chunk %d: reclaim attempted in state %s", c.id, c.state))
	}
	if c.migrating != nil {
		panic(fmt.Sprintf("chunk %d: reclaim attempted mid-migration", c.id))
	}

	retired := make([]tidalmem.TensorID, 0, len(c.regions))
	for _, region := range c.regions {
		retired = append(retired, region.Tensor)
		c.byTensor.Delete(region.Tensor)
	}
	c.regions = c.regions[:0]
	c.payload = nil
	c.setState(StateFree)
	return retired
}

// Validate performs internal consistency checks on the chunk's region table
// and state. When the implementation is functioning correctly this can never
// fail, but it assists in diagnosing bookkeeping bugs.
func (c *Chunk) Validate() error {
	if c.payload != nil && len(c.payload) != c.capacity {
		return cerrors.Errorf("chunk %d: payload length %d does not match capacity %d", c.id, len(c.payload), c.capacity)
	}

	used := 0
	cursor := -1
	for _, region := range c.regions {
		if region.Offset <= cursor {
			return cerrors.Errorf("chunk %d: region for tensor %d at offset %d overlaps its predecessor", c.id, region.Tensor, region.Offset)
		}
		if region.Length <= 0 {
			return cerrors.Errorf("chunk %d: region for tensor %d has non-positive length %d", c.id, region.Tensor, region.Length)
		}
		if region.Offset+region.Length > c.capacity {
			return cerrors.Errorf("chunk %d: region for tensor %d ends at %d, past capacity %d", c.id, region.Tensor, region.Offset+region.Length, c.capacity)
		}

		mapped, ok := c.byTensor.Get(region.Tensor)
		if !ok || mapped != region {
			return cerrors.Errorf("chunk %d: tensor %d region list and lookup map disagree", c.id, region.Tensor)
		}

		if c.payload != nil && !tidalmem.ValidateMagicValue(c.payload, region.Offset+region.Length) {
			return cerrors.Errorf("chunk %d: corruption marker after tensor %d region has been overwritten", c.id, region.Tensor)
		}

		used += region.Length
		cursor = region.Offset + region.Length - 1
	}

	if used > c.capacity {
		return cerrors.Errorf("chunk %d: occupied bytes %d exceed capacity %d", c.id, used, c.capacity)
	}

	if c.state == StateFree && len(c.regions) != 0 {
		return cerrors.Errorf("chunk %d: free chunk still has %d payload regions", c.id, len(c.regions))
	}
	if c.state == StateCompute && c.numInCompute == 0 {
		return cerrors.Errorf("chunk %d: compute state with no accessors", c.id)
	}
	if c.state == StateCompute && c.migrating != nil {
		return cerrors.Errorf("chunk %d: compute state with a migration in flight", c.id)
	}

	return nil
}

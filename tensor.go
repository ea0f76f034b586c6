package tidalmem

// TensorID identifies a tensor's storage registered with the chunk registry.
// Tensors hold no pointer into chunk memory- the id is resolved through the
// registry on every access, which keeps payloads relocatable during migration.
type TensorID uint64

// ChunkID identifies a chunk for the lifetime of the process. Ids are assigned
// at chunk creation and never reused.
type ChunkID uint64

// AccessKind classifies what a tensor's storage backs. The classification
// drives eviction priority: storage not needed until the optimizer step is
// cheaper to evict mid-step than an activation about to be consumed by the
// backward pass.
type AccessKind uint32

const (
	AccessActivation AccessKind = iota
	AccessParameter
	AccessGradient
	AccessOptimizerState
)

var accessKindMapping = map[AccessKind]string{
	AccessActivation:     "AccessActivation",
	AccessParameter:      "AccessParameter",
	AccessGradient:       "AccessGradient",
	AccessOptimizerState: "AccessOptimizerState",
}

func (k AccessKind) String() string {
	return accessKindMapping[k]
}

// DType is the element type of a tensor. Chunk bookkeeping is byte-oriented;
// the dtype travels with the placement record so external numerical code can
// interpret resolved storage, but it never affects placement decisions.
type DType uint32

const (
	Float16 DType = iota
	Float32
	Int32
	Int64
)

var dtypeMapping = map[DType]string{
	Float16: "Float16",
	Float32: "Float32",
	Int32:   "Int32",
	Int64:   "Int64",
}

func (t DType) String() string {
	return dtypeMapping[t]
}

var dtypeSize = map[DType]int{
	Float16: 2,
	Float32: 4,
	Int32:   4,
	Int64:   8,
}

// Size returns the width of a single element in bytes.
func (t DType) Size() int {
	return dtypeSize[t]
}

package placement

import (
	"github.com/tidalmem/tidalmem"
	"github.com/tidalmem/tidalmem/chunk"
	"golang.org/x/exp/slices"
)

// EvictionPolicy ranks accelerator-resident chunks from cheapest to most
// expensive to evict for the current phase. Candidates in compute or with a
// migration in flight must be filtered out before ranking. The ordering must
// be a total order- implementations break every tie by ascending chunk id so
// that an identical access trace always produces an identical eviction
// sequence.
type EvictionPolicy interface {
	RankVictims(candidates []*chunk.Chunk, phase tidalmem.Phase) []*chunk.Chunk
}

// kindEvictionRank orders access kinds by how cheap they are to evict during
// the provided phase- lower ranks are evicted first. Storage not needed until
// the optimizer step goes before activations about to be consumed by the
// backward pass.
func kindEvictionRank(kind tidalmem.AccessKind, phase tidalmem.Phase) int {
	switch phase {
	case tidalmem.PhaseForward, tidalmem.PhaseBackward:
		switch kind {
		case tidalmem.AccessOptimizerState:
			return 0
		case tidalmem.AccessParameter:
			return 1
		case tidalmem.AccessGradient:
			return 2
		default:
			return 3
		}
	case tidalmem.PhaseOptimizerStep:
		switch kind {
		case tidalmem.AccessActivation:
			return 0
		case tidalmem.AccessGradient:
			return 1
		case tidalmem.AccessParameter:
			return 2
		default:
			return 3
		}
	default:
		switch kind {
		case tidalmem.AccessActivation:
			return 0
		case tidalmem.AccessGradient:
			return 1
		case tidalmem.AccessOptimizerState:
			return 2
		default:
			return 3
		}
	}
}

// KindPriorityPolicy is the default eviction policy: released chunks first
// (no re-fetch needed this step), then held chunks by access-kind priority for
// the current phase, then least-recently-accessed, then ascending chunk id.
type KindPriorityPolicy struct{}

var _ EvictionPolicy = KindPriorityPolicy{}

func (KindPriorityPolicy) RankVictims(candidates []*chunk.Chunk, phase tidalmem.Phase) []*chunk.Chunk {
	ranked := slices.Clone(candidates)
	slices.SortFunc(ranked, func(a, b *chunk.Chunk) bool {
		aReleased := a.State() == chunk.StateReleased
		bReleased := b.State() == chunk.StateReleased
		if aReleased != bReleased {
			return aReleased
		}

		aRank := kindEvictionRank(a.Kind(), phase)
		bRank := kindEvictionRank(b.Kind(), phase)
		if aRank != bRank {
			return aRank < bRank
		}

		if a.LastAccess() != b.LastAccess() {
			return a.LastAccess() < b.LastAccess()
		}

		return a.ID() < b.ID()
	})
	return ranked
}

// LRUPolicy ignores access kinds entirely: released chunks first, then pure
// least-recently-accessed order, then ascending chunk id.
type LRUPolicy struct{}

var _ EvictionPolicy = LRUPolicy{}

func (LRUPolicy) RankVictims(candidates []*chunk.Chunk, phase tidalmem.Phase) []*chunk.Chunk {
	ranked := slices.Clone(candidates)
	slices.SortFunc(ranked, func(a, b *chunk.Chunk) bool {
		aReleased := a.State() == chunk.StateReleased
		bReleased := b.State() == chunk.StateReleased
		if aReleased != bReleased {
			return aReleased
		}

		if a.LastAccess() != b.LastAccess() {
			return a.LastAccess() < b.LastAccess()
		}

		return a.ID() < b.ID()
	})
	return ranked
}

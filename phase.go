package tidalmem

// Phase is the process-wide training step cursor. It is advanced only by
// explicit calls from the training loop driver at phase boundaries and is never
// inferred from access patterns.
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhaseForward
	PhaseBackward
	PhaseOptimizerStep
)

// PhaseCount is the number of distinct phases, for sizing per-phase tables.
const PhaseCount = 4

var phaseMapping = map[Phase]string{
	PhaseIdle:          "PhaseIdle",
	PhaseForward:       "PhaseForward",
	PhaseBackward:      "PhaseBackward",
	PhaseOptimizerStep: "PhaseOptimizerStep",
}

func (p Phase) String() string {
	return phaseMapping[p]
}

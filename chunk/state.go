package chunk

// State is the lifecycle state of a chunk across a training step.
type State uint32

const (
	// StateFree indicates the chunk has no payload regions and its slab can be
	// reclaimed or reused.
	StateFree State = iota
	// StateHold indicates the chunk has payload but no compute is currently
	// reading or writing it.
	StateHold
	// StateCompute indicates at least one payload region is being actively read
	// or written. A chunk in this state is never migrated.
	StateCompute
	// StateReleased indicates the payload is logically retired for this step
	// but the physical bytes have not yet been reclaimed.
	StateReleased
)

var stateMapping = map[State]string{
	StateFree:     "StateFree",
	StateHold:     "StateHold",
	StateCompute:  "StateCompute",
	StateReleased: "StateReleased",
}

func (s State) String() string {
	return stateMapping[s]
}

// CanMigrate reports whether a chunk in this state may be the subject of a
// migration. Migration is only permitted from StateHold or StateReleased.
func (s State) CanMigrate() bool {
	return s == StateHold || s == StateReleased
}

var validTransitions = map[State][]State{
	StateFree:     {StateHold},
	StateHold:     {StateCompute, StateReleased},
	StateCompute:  {StateHold},
	StateReleased: {StateHold, StateFree},
}

func transitionValid(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AuditEventKind distinguishes the record types in a chunk's audit log.
type AuditEventKind uint32

const (
	AuditTransition AuditEventKind = iota
	AuditMigrationBegin
	AuditMigrationEnd
)

var auditEventKindMapping = map[AuditEventKind]string{
	AuditTransition:     "AuditTransition",
	AuditMigrationBegin: "AuditMigrationBegin",
	AuditMigrationEnd:   "AuditMigrationEnd",
}

func (k AuditEventKind) String() string {
	return auditEventKindMapping[k]
}

// AuditEvent is one record of a chunk's state-transition audit log. For
// AuditTransition records, From and To carry the transition endpoints. For
// migration records, From and To both carry the state the chunk held while
// the migration was in flight.
type AuditEvent struct {
	Kind AuditEventKind
	Seq  uint64
	From State
	To   State
}

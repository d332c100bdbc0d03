package archive

// State is an archive run's lifecycle position.
type State string

const (
	StatePlanned  State = "planned"
	StateDryRun   State = "dry_run"
	StateExecuted State = "executed"
	StateRestored State = "restored"
	StateFailed   State = "failed"
)

var transitions = map[State][]State{
	StatePlanned:  {StateDryRun, StateExecuted, StateFailed},
	StateDryRun:   {StateDryRun, StateExecuted, StateFailed},
	StateFailed:   {StateDryRun, StateExecuted, StateFailed},
	StateExecuted: {StateRestored},
	StateRestored: {StateRestored},
}

// CanTransition reports whether a run in state s may move to next. An
// executed run is never executed again; its bundle is the record.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Item dispositions.
const (
	DispositionPlanned  = "planned"
	DispositionArchived = "archived"
	DispositionDeleted  = "deleted"
	DispositionRestored = "restored"
)

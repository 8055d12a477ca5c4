package engine

import "fmt"

// State is a step of the per-job page loop
type State int

const (
	Idle State = iota
	Extracting
	Resolving
	Transforming
	Writing
	Committing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Extracting:
		return "extracting"
	case Resolving:
		return "resolving"
	case Transforming:
		return "transforming"
	case Writing:
		return "writing"
	case Committing:
		return "committing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the loop ends in s
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

var transitions = map[State][]State{
	Idle:         {Extracting, Failed},
	Extracting:   {Resolving, Done, Failed},
	Resolving:    {Transforming, Failed},
	Transforming: {Writing, Failed},
	Writing:      {Committing, Failed},
	Committing:   {Idle},
}

// CanTransition reports whether the loop may move from one state to another
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks the current state of one job run
type machine struct {
	state  State
	onMove func(from, to State)
}

func (m *machine) move(to State) {
	if !CanTransition(m.state, to) {
		panic(fmt.Sprintf("illegal state transition %s -> %s", m.state, to))
	}
	from := m.state
	m.state = to
	if m.onMove != nil {
		m.onMove(from, to)
	}
}

package processor

import (
	"time"

	"github.com/rotisserie/eris"
)

// State is a step of the processing state machine.
type State string

const (
	StateSized        State = "sized"
	StateCompressed   State = "compressed"
	StateDeduplicated State = "deduplicated"
	StateOrganized    State = "organized"
	StateValidated    State = "validated"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

var allowed = map[State][]State{
	"":                {StateSized},
	StateSized:        {StateCompressed, StateDeduplicated, StateFailed},
	StateCompressed:   {StateDeduplicated, StateFailed},
	StateDeduplicated: {StateOrganized, StateFailed},
	StateOrganized:    {StateValidated, StateFailed},
	StateValidated:    {StateDone, StateFailed},
}

// machine records the path a run takes through the states.
type machine struct {
	now         func() time.Time
	state       State
	transitions []Transition
	onChange    func(State)
}

func (m *machine) advance(to State, note string) error {
	for _, next := range allowed[m.state] {
		if next == to {
			m.transitions = append(m.transitions, Transition{From: m.state, To: to, At: m.now(), Note: note})
			m.state = to
			if m.onChange != nil {
				m.onChange(to)
			}
			return nil
		}
	}
	return eris.Errorf("processor: illegal transition %q -> %q", m.state, to)
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

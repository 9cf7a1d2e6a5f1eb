// Package registry implements component E: the per-kind transition tables,
// terminal sets and legality checks every domain machine is driven by
// (spec.md §4.E).
package registry

import "fmt"

// Table is a pure, side-effect-free description of one workflow kind's legal
// moves. All registry checks are functions of (state, event) alone
// (spec.md §4.E.4).
type Table struct {
	Initial     string
	States      map[string]bool
	Terminals   map[string]bool
	// transitions[from][event] = to
	transitions map[string]map[string]string
}

// NewTable builds a Table from a flat transition list, validating that every
// referenced state was declared.
func NewTable(initial string, states []string, terminals []string, transitions []Transition) (Table, error) {
	t := Table{
		Initial:     initial,
		States:      toSet(states),
		Terminals:   toSet(terminals),
		transitions: make(map[string]map[string]string),
	}
	if !t.States[initial] {
		return Table{}, fmt.Errorf("registry: initial state %q not declared", initial)
	}
	for _, term := range terminals {
		if !t.States[term] {
			return Table{}, fmt.Errorf("registry: terminal state %q not declared", term)
		}
	}
	for _, tr := range transitions {
		if !t.States[tr.From] {
			return Table{}, fmt.Errorf("registry: transition from undeclared state %q", tr.From)
		}
		if !t.States[tr.To] {
			return Table{}, fmt.Errorf("registry: transition to undeclared state %q", tr.To)
		}
		if t.Terminals[tr.From] {
			return Table{}, fmt.Errorf("registry: transition out of terminal state %q", tr.From)
		}
		if t.transitions[tr.From] == nil {
			t.transitions[tr.From] = make(map[string]string)
		}
		t.transitions[tr.From][tr.Event] = tr.To
	}
	return t, nil
}

// Transition is one allowed (from, event) -> to rule.
type Transition struct {
	From  string
	Event string
	To    string
}

// Legal reports the destination state for (from, event), and whether the
// move is registered at all (spec.md invariant 6).
func (t Table) Legal(from, event string) (string, bool) {
	byEvent, ok := t.transitions[from]
	if !ok {
		return "", false
	}
	to, ok := byEvent[event]
	return to, ok
}

// IsTerminal reports whether state is terminal; terminal states accept no
// further transitions (spec.md invariant 5).
func (t Table) IsTerminal(state string) bool {
	return t.Terminals[state]
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

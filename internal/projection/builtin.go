package projection

import "github.com/roach88/ledger/internal/ir"

// TypeCount tallies events of one type.
type TypeCount struct {
	Count      int    `json:"count"`
	FirstEvent string `json:"first_event_id"`
	LastEvent  string `json:"last_event_id"`
}

// EventTypes counts events per event_type. It needs no pack and is always
// available for inspecting a data directory.
func EventTypes() Definition[map[string]TypeCount] {
	return Definition[map[string]TypeCount]{
		Name:    "ledger.event_types",
		Version: 1,
		Init:    func() map[string]TypeCount { return map[string]TypeCount{} },
		Apply: func(st map[string]TypeCount, ev ir.EventEnvelope) (map[string]TypeCount, error) {
			c := st[ev.EventType]
			if c.Count == 0 {
				c.FirstEvent = ev.EventID
			}
			c.Count++
			c.LastEvent = ev.EventID
			st[ev.EventType] = c
			return st, nil
		},
	}
}

// Namespaces counts events per namespace (the event_type prefix before the
// first "."). Events without a namespace count under "".
func Namespaces() Definition[map[string]int] {
	return Definition[map[string]int]{
		Name:    "ledger.namespaces",
		Version: 1,
		Init:    func() map[string]int { return map[string]int{} },
		Apply: func(st map[string]int, ev ir.EventEnvelope) (map[string]int, error) {
			st[ir.Namespace(ev.EventType)]++
			return st, nil
		},
	}
}

// RegisterBuiltins adds EventTypes and Namespaces to r.
func RegisterBuiltins(r *Registry) error {
	if err := Register(r, EventTypes()); err != nil {
		return err
	}
	return Register(r, Namespaces())
}

package harness

import "github.com/roach88/ledger/internal/simulation"

// QueryRecord is the snapshot of one query an assertion ran. Only fields
// that a reader can work out by hand are kept: no hashes, no timestamps.
type QueryRecord struct {
	Assertion int    `json:"assertion"`
	Type      string `json:"type"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Errors contains assertion failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Stats reports what the simulation rebuild consumed.
	Stats simulation.Stats `json:"stats"`

	// Queries records every query run, in assertion order.
	Queries []QueryRecord `json:"queries"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Errors:  []string{},
		Queries: []QueryRecord{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(index int, typ string, result any, err error) {
	q := QueryRecord{Assertion: index, Type: typ, Result: result}
	if err != nil {
		q.Error = err.Error()
	}
	r.Queries = append(r.Queries, q)
}

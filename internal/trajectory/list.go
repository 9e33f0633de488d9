package trajectory

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/ledger/internal/ir"
)

// ErrInvalidCursor is returned for a cursor that was not produced by a List call.
var ErrInvalidCursor = errors.New("invalid cursor")

// DefaultLimit is the page size used when a list call passes no limit.
const DefaultLimit = 50

// SortOrder orders list results by time.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Filter narrows trajectory and outcome listings. Zero fields match everything.
type Filter struct {
	// EntityRef matches records with an entity ref of this ID.
	EntityRef string
	// StepType matches trajectories containing a step of this type.
	StepType ir.StepType
	// CommandID matches trajectories with a step caused by this command, and
	// outcomes attached to it.
	CommandID string
	// TrajectoryID matches outcomes attached to this trajectory.
	TrajectoryID string
	// Kind matches outcomes of this kind.
	Kind ir.OutcomeKind
	// Since and Until bound the sort time, inclusive and exclusive.
	Since time.Time
	Until time.Time
}

// ListOptions pages through a listing.
type ListOptions struct {
	Filter Filter
	Limit  int
	Sort   SortOrder
	Cursor string
}

// Page is one page of results. NextCursor is empty on the last page.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// Summary describes one trajectory without its payloads.
type Summary struct {
	TrajectoryID string           `json:"trajectory_id"`
	StartedAt    time.Time        `json:"started_at"`
	LastAt       time.Time        `json:"last_at"`
	StepCount    int              `json:"step_count"`
	StepTypes    []ir.StepType    `json:"step_types"`
	EntityRefs   []string         `json:"entity_refs"`
	Outcomes     []ir.OutcomeKind `json:"outcomes"`

	commandIDs map[string]bool
}

// Summarize groups steps and outcomes by trajectory. Step types and entity
// refs are deduplicated: step types keep first-seen order by step_seq, entity
// refs and outcome kinds are sorted.
func Summarize(steps []ir.Step, outcomes []ir.Outcome) map[string]*Summary {
	ordered := slices.Clone(steps)
	slices.SortStableFunc(ordered, func(a, b ir.Step) int {
		return cmp.Or(cmp.Compare(a.TrajectoryID, b.TrajectoryID), cmp.Compare(a.StepSeq, b.StepSeq))
	})

	out := make(map[string]*Summary)
	for _, s := range ordered {
		sum, ok := out[s.TrajectoryID]
		if !ok {
			sum = &Summary{
				TrajectoryID: s.TrajectoryID,
				StartedAt:    s.Timestamp,
				LastAt:       s.Timestamp,
				StepTypes:    []ir.StepType{},
				EntityRefs:   []string{},
				Outcomes:     []ir.OutcomeKind{},
				commandIDs:   make(map[string]bool),
			}
			out[s.TrajectoryID] = sum
		}
		sum.StepCount++
		if s.Timestamp.Before(sum.StartedAt) {
			sum.StartedAt = s.Timestamp
		}
		if s.Timestamp.After(sum.LastAt) {
			sum.LastAt = s.Timestamp
		}
		if !slices.Contains(sum.StepTypes, s.StepType) {
			sum.StepTypes = append(sum.StepTypes, s.StepType)
		}
		for _, id := range s.EntityIDs() {
			if !slices.Contains(sum.EntityRefs, id) {
				sum.EntityRefs = append(sum.EntityRefs, id)
			}
		}
		if s.Causation != nil && s.Causation.Type == ir.CausedByCommand {
			sum.commandIDs[s.Causation.ID] = true
		}
	}
	for _, o := range outcomes {
		sum, ok := out[o.TrajectoryID]
		if !ok {
			continue
		}
		if !slices.Contains(sum.Outcomes, o.Kind) {
			sum.Outcomes = append(sum.Outcomes, o.Kind)
		}
		if o.CommandID != "" {
			sum.commandIDs[o.CommandID] = true
		}
	}
	for _, sum := range out {
		slices.Sort(sum.EntityRefs)
		slices.Sort(sum.Outcomes)
	}
	return out
}

func (s *Summary) matches(f Filter) bool {
	if f.EntityRef != "" && !slices.Contains(s.EntityRefs, f.EntityRef) {
		return false
	}
	if f.StepType != "" && !slices.Contains(s.StepTypes, f.StepType) {
		return false
	}
	if f.CommandID != "" && !s.commandIDs[f.CommandID] {
		return false
	}
	if f.Kind != "" && !slices.Contains(s.Outcomes, f.Kind) {
		return false
	}
	return inWindow(s.StartedAt, f)
}

func inWindow(t time.Time, f Filter) bool {
	if !f.Since.IsZero() && t.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !t.Before(f.Until) {
		return false
	}
	return true
}

// ListTrajectories returns trajectory summaries sorted by start time, then
// trajectory_id, paged by an opaque cursor.
func (l *Log) ListTrajectories(ctx context.Context, opts ListOptions) (Page[Summary], error) {
	steps, outcomes, err := l.load(ctx)
	if err != nil {
		return Page[Summary]{}, fmt.Errorf("list trajectories: %w", err)
	}

	var items []Summary
	for _, sum := range Summarize(steps, outcomes) {
		if sum.matches(opts.Filter) {
			items = append(items, *sum)
		}
	}
	page, err := paginate(items, opts, func(s Summary) position {
		return position{At: s.StartedAt, ID: s.TrajectoryID}
	})
	if err != nil {
		return Page[Summary]{}, fmt.Errorf("list trajectories: %w", err)
	}
	return page, nil
}

// ListOutcomes returns outcomes sorted by timestamp, then outcome_id, paged by
// an opaque cursor. StepType does not apply to outcomes.
func (l *Log) ListOutcomes(ctx context.Context, opts ListOptions) (Page[ir.Outcome], error) {
	f := opts.Filter
	var items []ir.Outcome
	for o, err := range l.Outcomes(ctx) {
		if err != nil {
			return Page[ir.Outcome]{}, fmt.Errorf("list outcomes: %w", err)
		}
		switch {
		case f.TrajectoryID != "" && o.TrajectoryID != f.TrajectoryID:
		case f.CommandID != "" && o.CommandID != f.CommandID:
		case f.Kind != "" && o.Kind != f.Kind:
		case f.EntityRef != "" && !hasEntity(o.Refs, f.EntityRef):
		case !inWindow(o.Timestamp, f):
		default:
			items = append(items, o)
		}
	}
	page, err := paginate(items, opts, func(o ir.Outcome) position {
		return position{At: o.Timestamp, ID: o.OutcomeID}
	})
	if err != nil {
		return Page[ir.Outcome]{}, fmt.Errorf("list outcomes: %w", err)
	}
	return page, nil
}

func hasEntity(refs []ir.Ref, id string) bool {
	for _, r := range refs {
		if r.Kind == ir.RefEntity && r.ID == id {
			return true
		}
	}
	return false
}

func (l *Log) load(ctx context.Context) ([]ir.Step, []ir.Outcome, error) {
	var steps []ir.Step
	for s, err := range l.Steps(ctx) {
		if err != nil {
			return nil, nil, err
		}
		steps = append(steps, s)
	}
	var outcomes []ir.Outcome
	for o, err := range l.Outcomes(ctx) {
		if err != nil {
			return nil, nil, err
		}
		outcomes = append(outcomes, o)
	}
	return steps, outcomes, nil
}

// position is the sort key a cursor resumes after.
type position struct {
	At time.Time `json:"t"`
	ID string    `json:"id"`
}

func (p position) compare(o position) int {
	return cmp.Or(p.At.Compare(o.At), strings.Compare(p.ID, o.ID))
}

func encodeCursor(p position) string {
	data, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(c string) (position, error) {
	data, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return position{}, ErrInvalidCursor
	}
	var p position
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		return position{}, ErrInvalidCursor
	}
	return p, nil
}

func paginate[T any](items []T, opts ListOptions, key func(T) position) (Page[T], error) {
	desc := false
	switch opts.Sort {
	case "", SortAsc:
	case SortDesc:
		desc = true
	default:
		return Page[T]{}, fmt.Errorf("unknown sort order %q", opts.Sort)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	slices.SortFunc(items, func(a, b T) int {
		c := key(a).compare(key(b))
		if desc {
			return -c
		}
		return c
	})

	start := 0
	if opts.Cursor != "" {
		after, err := decodeCursor(opts.Cursor)
		if err != nil {
			return Page[T]{}, err
		}
		start = len(items)
		for i, it := range items {
			c := key(it).compare(after)
			if (!desc && c > 0) || (desc && c < 0) {
				start = i
				break
			}
		}
	}

	end := min(start+limit, len(items))
	page := Page[T]{Items: slices.Clone(items[start:end])}
	if page.Items == nil {
		page.Items = []T{}
	}
	if end < len(items) {
		page.NextCursor = encodeCursor(key(items[end-1]))
	}
	return page, nil
}

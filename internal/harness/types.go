package harness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/ritual/internal/auth"
	"github.com/roach88/ritual/internal/intention"
	"github.com/roach88/ritual/internal/ritual"
)

// StepResult records what one step did.
type StepResult struct {
	Index   int               `json:"index"`
	Action  string            `json:"action"`
	Detail  string            `json:"detail,omitempty"`
	Error   string            `json:"error,omitempty"`
	Record  *intention.Record `json:"record,omitempty"`
	Notices []ritual.Notice   `json:"notices"`
}

// Snapshot is the service state after the last step.
type Snapshot struct {
	Mode     string             `json:"mode"`
	Manifest []intention.Record `json:"manifest"`
	Release  []intention.Record `json:"release"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step and expectation matched.
	Pass bool `json:"pass"`

	Steps  []StepResult `json:"steps"`
	Final  Snapshot     `json:"final"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepResult{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AllNotices returns every notice emitted during the run, in order.
func (r *Result) AllNotices() []ritual.Notice {
	var out []ritual.Notice
	for _, s := range r.Steps {
		out = append(out, s.Notices...)
	}
	return out
}

// errorNames maps scenario error names to sentinels, most specific first.
var errorNames = []struct {
	name string
	err  error
}{
	{"validation", intention.ErrValidation},
	{"auth_required", intention.ErrAuthRequired},
	{"already_sealed", intention.ErrAlreadySealed},
	{"in_flight", intention.ErrInFlight},
	{"not_found", intention.ErrNotFound},
	{"remote_unavailable", intention.ErrRemoteUnavailable},
	{"auth_transport", auth.ErrAuthTransport},
}

// ErrorName returns the scenario name for err, "unexpected" when it maps
// to none, or "" for nil.
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			return e.name
		}
	}
	return "unexpected"
}

func knownErrorName(name string) bool {
	for _, e := range errorNames {
		if e.name == name {
			return true
		}
	}
	return false
}

// Transcript renders the run as stable text for golden comparison. Record
// IDs and timestamps are left out; texts, kinds and seal state identify
// records well enough and do not shift when unrelated IDs are drawn.
func (r *Result) Transcript(name string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)

	for _, s := range r.Steps {
		outcome := "ok"
		if s.Error != "" {
			outcome = "error " + s.Error
		}
		if s.Detail != "" {
			fmt.Fprintf(&b, "%d. %s %s: %s\n", s.Index, s.Action, s.Detail, outcome)
		} else {
			fmt.Fprintf(&b, "%d. %s: %s\n", s.Index, s.Action, outcome)
		}
		if s.Record != nil {
			fmt.Fprintf(&b, "   record: %s\n", describe(*s.Record))
		}
		for _, n := range s.Notices {
			fmt.Fprintf(&b, "   notice %s: %s\n", n.Level, n.Message)
		}
	}

	fmt.Fprintf(&b, "final mode: %s\n", r.Final.Mode)
	writeItems(&b, intention.Manifest, r.Final.Manifest)
	writeItems(&b, intention.Release, r.Final.Release)
	return []byte(b.String())
}

func writeItems(b *strings.Builder, kind intention.Kind, items []intention.Record) {
	if len(items) == 0 {
		fmt.Fprintf(b, "final %s: (none)\n", kind)
		return
	}
	fmt.Fprintf(b, "final %s:\n", kind)
	for _, r := range items {
		fmt.Fprintf(b, "   - %s\n", describe(r))
	}
}

func describe(r intention.Record) string {
	seal := "unsealed"
	if r.Sealed {
		seal = "sealed"
	}
	return fmt.Sprintf("%q %s %s", r.Text, r.Kind, seal)
}

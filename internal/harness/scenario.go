package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ritual/internal/intention"
	"github.com/roach88/ritual/internal/version"
)

// Scenario is one scripted session against the service.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Version is the app version to run as. Empty means the active one.
	Version string `yaml:"version,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Expect is checked after the last step.
	Expect []Expectation `yaml:"expect,omitempty"`
}

// Step is one user or environment action.
type Step struct {
	Action string `yaml:"action"`

	// Text and Kind are used by submit.
	Text string `yaml:"text,omitempty"`
	Kind string `yaml:"kind,omitempty"`

	// As labels the record a submit creates.
	As string `yaml:"as,omitempty"`

	// Ref names a labelled record; ID gives a literal one. Used by
	// toggle_seal and remove.
	Ref string `yaml:"ref,omitempty"`
	ID  string `yaml:"id,omitempty"`

	// Email is used by sign_in.
	Email string `yaml:"email,omitempty"`

	// Duration is how far advance moves the clock, e.g. "2h".
	Duration string `yaml:"duration,omitempty"`

	// ExpectError is the error name the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Expectation is a check on the final state.
type Expectation struct {
	Type string `yaml:"type"`

	Mode    string   `yaml:"mode,omitempty"`
	Kind    string   `yaml:"kind,omitempty"`
	Count   *int     `yaml:"count,omitempty"`
	Texts   []string `yaml:"texts,omitempty"`
	Sealed  *bool    `yaml:"sealed,omitempty"`
	Level   string   `yaml:"level,omitempty"`
	Message string   `yaml:"message,omitempty"`
}

// Step actions.
const (
	ActionSubmit     = "submit"
	ActionToggleSeal = "toggle_seal"
	ActionRemove     = "remove"
	ActionSignIn     = "sign_in"
	ActionSignOut    = "sign_out"
	ActionRemoteDown = "remote_down"
	ActionRemoteUp   = "remote_up"
	ActionRestart    = "restart"
	ActionAdvance    = "advance"
)

// Expectation types.
const (
	ExpectMode       = "mode"
	ExpectItems      = "items"
	ExpectLocalItems = "local_items"
	ExpectRemoteRows = "remote_rows"
	ExpectNotice     = "notice"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and cross-step references.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Version != "" {
		if _, err := version.ByID(s.Version); err != nil {
			return err
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	labels := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(step, labels); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
		if step.As != "" {
			labels[step.As] = true
		}
	}

	for i, e := range s.Expect {
		if err := validateExpectation(e); err != nil {
			return fmt.Errorf("expect %d (%s): %w", i+1, e.Type, err)
		}
	}
	return nil
}

func validateStep(step Step, labels map[string]bool) error {
	if step.ExpectError != "" && !knownErrorName(step.ExpectError) {
		return fmt.Errorf("unknown error name %q", step.ExpectError)
	}
	if step.As != "" && step.Action != ActionSubmit {
		return fmt.Errorf("as is only valid on submit")
	}
	if step.As != "" && labels[step.As] {
		return fmt.Errorf("label %q already used", step.As)
	}

	switch step.Action {
	case ActionSubmit:
		if _, err := intention.ParseKind(step.Kind); err != nil {
			return err
		}
	case ActionToggleSeal, ActionRemove:
		switch {
		case step.Ref == "" && step.ID == "":
			return fmt.Errorf("ref or id is required")
		case step.Ref != "" && step.ID != "":
			return fmt.Errorf("ref and id are mutually exclusive")
		case step.Ref != "" && !labels[step.Ref]:
			return fmt.Errorf("ref %q does not name an earlier submit", step.Ref)
		}
	case ActionSignIn:
		if step.Email == "" {
			return fmt.Errorf("email is required")
		}
	case ActionAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("duration must be positive")
		}
	case ActionSignOut, ActionRemoteDown, ActionRemoteUp, ActionRestart:
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

func validateExpectation(e Expectation) error {
	switch e.Type {
	case ExpectMode:
		if e.Mode != "anonymous" && e.Mode != "authenticated" {
			return fmt.Errorf("mode must be anonymous or authenticated")
		}
	case ExpectItems, ExpectLocalItems:
		if _, err := intention.ParseKind(e.Kind); err != nil {
			return err
		}
		if e.Count == nil && e.Texts == nil && e.Sealed == nil {
			return fmt.Errorf("one of count, texts or sealed is required")
		}
	case ExpectRemoteRows:
		if e.Count == nil {
			return fmt.Errorf("count is required")
		}
	case ExpectNotice:
		if e.Level == "" || e.Message == "" {
			return fmt.Errorf("level and message are required")
		}
	default:
		return fmt.Errorf("unknown expectation type %q", e.Type)
	}
	return nil
}

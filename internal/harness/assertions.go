package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/ritual/internal/intention"
)

// AssertionContext gives expectations access to the environment.
type AssertionContext struct {
	Harness *Harness
	Ctx     context.Context
}

// AssertionError is returned when an expectation fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// EvaluateExpectations checks every expectation and returns the failure
// messages.
func EvaluateExpectations(result *Result, expect []Expectation, actx *AssertionContext) []string {
	var errs []string
	for _, e := range expect {
		if err := evaluate(result, e, actx); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func evaluate(result *Result, e Expectation, actx *AssertionContext) error {
	switch e.Type {
	case ExpectMode:
		if result.Final.Mode != e.Mode {
			return &AssertionError{Type: e.Type, Expected: e.Mode, Actual: result.Final.Mode}
		}
		return nil

	case ExpectItems:
		kind, err := intention.ParseKind(e.Kind)
		if err != nil {
			return err
		}
		items := result.Final.Manifest
		if kind == intention.Release {
			items = result.Final.Release
		}
		return checkRecords(e, "items "+kind.String(), items)

	case ExpectLocalItems:
		kind, err := intention.ParseKind(e.Kind)
		if err != nil {
			return err
		}
		if actx == nil || actx.Harness == nil {
			return fmt.Errorf("local_items requires a harness")
		}
		return checkRecords(e, "local_items "+kind.String(), actx.Harness.local.List(actx.Ctx, kind))

	case ExpectRemoteRows:
		if actx == nil || actx.Harness == nil {
			return fmt.Errorf("remote_rows requires a harness")
		}
		var n int
		err := actx.Harness.backend.DB().QueryRowContext(actx.Ctx, `SELECT COUNT(*) FROM intentions`).Scan(&n)
		if err != nil {
			return fmt.Errorf("remote_rows: %w", err)
		}
		if n != *e.Count {
			return &AssertionError{Type: e.Type, Expected: fmt.Sprintf("%d rows", *e.Count), Actual: fmt.Sprintf("%d rows", n)}
		}
		return nil

	case ExpectNotice:
		for _, n := range result.AllNotices() {
			if string(n.Level) == e.Level && n.Message == e.Message {
				return nil
			}
		}
		return &AssertionError{
			Type:     e.Type,
			Expected: fmt.Sprintf("%s: %s", e.Level, e.Message),
			Actual:   fmt.Sprintf("%d notices, none matching", len(result.AllNotices())),
		}
	}
	return fmt.Errorf("unknown expectation type %q", e.Type)
}

// checkRecords applies the count, texts and sealed fields of e.
func checkRecords(e Expectation, label string, records []intention.Record) error {
	if e.Count != nil && len(records) != *e.Count {
		return &AssertionError{Type: label, Expected: fmt.Sprintf("%d records", *e.Count), Actual: fmt.Sprintf("%d records", len(records))}
	}

	if e.Texts != nil {
		got := make([]string, len(records))
		for i, r := range records {
			got[i] = r.Text
		}
		if strings.Join(got, "\x00") != strings.Join(e.Texts, "\x00") || len(got) != len(e.Texts) {
			return &AssertionError{Type: label, Expected: fmt.Sprintf("texts %q", e.Texts), Actual: fmt.Sprintf("texts %q", got)}
		}
	}

	if e.Sealed != nil {
		for _, r := range records {
			if r.Sealed != *e.Sealed {
				return &AssertionError{
					Type:     label,
					Expected: fmt.Sprintf("all sealed=%t", *e.Sealed),
					Actual:   fmt.Sprintf("%q sealed=%t", r.Text, r.Sealed),
				}
			}
		}
	}
	return nil
}

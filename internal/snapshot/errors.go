package snapshot

import (
	"fmt"
	"strings"
)

// Step names the phase of a snapshot or restore that failed.
type Step string

const (
	StepCreate   Step = "create"
	StepExtract  Step = "extract"
	StepRegister Step = "register"
	StepRestore  Step = "restore"
	// StepCleanup is reported when the operation itself succeeded but its
	// scratch resources could not all be released.
	StepCleanup Step = "cleanup"
)

// StepError reports which step failed and whether compensating cleanup
// completed. Orphans lists resources an operator must remove by hand.
type StepError struct {
	Step       Step
	Err        error
	CleanupErr error
	Orphans    []string
}

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed: %v", e.Step, e.Err)
	if e.CleanupErr != nil {
		fmt.Fprintf(&b, " (cleanup incomplete: %v; orphaned: %s)", e.CleanupErr, strings.Join(e.Orphans, ", "))
	}
	return b.String()
}

func (e *StepError) Unwrap() error { return e.Err }

// CleanupOK reports whether every scratch resource was released.
func (e *StepError) CleanupOK() bool { return e.CleanupErr == nil }

package envcache

import (
	"errors"
	"fmt"
)

// ErrStepFailed reports a provisioning command that exited non-zero
var ErrStepFailed = errors.New("provisioning step failed")

// ProvisionError is returned by Acquire when runtime creation or the baseline
// install cannot complete.
type ProvisionError struct {
	Key      string
	Step     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: step %s: %v", e.Key, e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

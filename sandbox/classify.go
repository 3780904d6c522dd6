package sandbox

import "unicode/utf8"

// Kind is the outcome of one unit
type Kind string

// Outcome kinds
const (
	KindOK             Kind = "ok"
	KindTimeout        Kind = "timeout"
	KindExecutionError Kind = "execution_error"
	KindInternalError  Kind = "internal_error"
	KindProvisionError Kind = "provision_error"
)

// NoExitStatus marks an observation where no process status was obtained
const NoExitStatus = -1

// ErrorType returns the dataset error_type label for k, empty for KindOK
func (k Kind) ErrorType() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindExecutionError:
		return "ExecutionError"
	case KindInternalError:
		return "InternalError"
	case KindProvisionError:
		return "ProvisionError"
	default:
		return ""
	}
}

// Observation is what the runner saw of one subprocess
type Observation struct {
	ExitCode int
	TimedOut bool
	Output   string
}

// Outcome is the classification of an Observation
type Outcome struct {
	Kind    Kind
	Message string
}

// Classify maps obs to an outcome. Message holds the last tailBytes of output
// for every kind but KindOK.
func Classify(obs Observation, tailBytes int) Outcome {
	var kind Kind
	switch {
	case obs.TimedOut:
		kind = KindTimeout
	case obs.ExitCode == 0:
		return Outcome{Kind: KindOK}
	case obs.ExitCode < 0:
		kind = KindInternalError
	default:
		kind = KindExecutionError
	}
	return Outcome{Kind: kind, Message: Tail(obs.Output, tailBytes)}
}

// Tail returns at most the last n bytes of s, starting on a rune boundary
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for i := 0; i < len(s) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(s[i]) {
			return s[i:]
		}
	}
	return s
}

// Head returns at most the first n bytes of s, ending on a rune boundary
func Head(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

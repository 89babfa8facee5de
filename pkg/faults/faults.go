// Package faults defines the error taxonomy shared across the circuit.
//
// Components return these sentinels (wrapped with context) at their
// boundaries; callers classify with errors.Is. PolicyViolation and
// IntegrityError are fatal to the enclosing circuit; Timeout is always
// absorbed within the stage that raised it.
package faults

import "errors"

var (
	// ErrInvalidArgument marks caller mistakes: malformed events, negative
	// run counts, template weights that do not sum to one.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSimulationInstability is raised when the majority of Monte-Carlo
	// runs fail. No prediction is emitted.
	ErrSimulationInstability = errors.New("simulation instability")

	// ErrTimeout marks a bounded wait that exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrPolicyViolation marks an attempt to bypass a human approval gate
	// or to mutate an immutable artifact.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrIntegrityError marks a hash mismatch or chain-linkage failure.
	ErrIntegrityError = errors.New("integrity error")

	// ErrCancelled marks cooperative cancellation. The host receives a
	// truncated result, not a failure.
	ErrCancelled = errors.New("cancelled")
)

// Tag returns the taxonomy name for err, or "" when err does not belong
// to the taxonomy. CircuitResults carry this tag on failure.
func Tag(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrSimulationInstability):
		return "simulation_instability"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrIntegrityError):
		return "integrity_error"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}

// Package errors defines the normalized errors used across the orchestrator.
package errors

import (
	perrors "github.com/pingcap/errors"
)

// All normalized errors of the orchestrator. A "no match" result is not in
// this list on purpose: the matcher reports it as an empty result, not an
// error.
var (
	// ErrInvalidRequirement rejects a malformed job submission. The argument
	// names the offending field. Never retried.
	ErrInvalidRequirement = perrors.Normalize(
		"invalid job requirement: %s", perrors.RFCCodeText("ORCH:ErrInvalidRequirement"))

	// ErrJobNotFound reports an unknown job ID.
	ErrJobNotFound = perrors.Normalize(
		"job %s not found", perrors.RFCCodeText("ORCH:ErrJobNotFound"))

	// ErrUnauthorizedHost rejects a job result reported by a host that is not
	// on record for the job. The job state is left unchanged.
	ErrUnauthorizedHost = perrors.Normalize(
		"host %s is not on record for job %s", perrors.RFCCodeText("ORCH:ErrUnauthorizedHost"))

	// ErrDispatchFailed means a host rejected a job or was unreachable. The
	// job is marked failed; re-submission is the caller's responsibility.
	ErrDispatchFailed = perrors.Normalize(
		"dispatching job to host %s failed", perrors.RFCCodeText("ORCH:ErrDispatchFailed"))

	// ErrLedger wraps ledger transaction failures. Aborts the specific
	// operation and surfaces to the caller, never silently swallowed.
	ErrLedger = perrors.Normalize(
		"ledger transaction failed", perrors.RFCCodeText("ORCH:ErrLedger"))

	// ErrOracleUnavailable wraps benchmark oracle failures. Callers degrade
	// to the deterministic fallback instead of aborting.
	ErrOracleUnavailable = perrors.Normalize(
		"benchmark oracle unavailable", perrors.RFCCodeText("ORCH:ErrOracleUnavailable"))

	// ErrQueueClosed rejects operations on a closed match queue.
	ErrQueueClosed = perrors.Normalize(
		"match queue is closed", perrors.RFCCodeText("ORCH:ErrQueueClosed"))

	// ErrConfigFile reports an unreadable or unparsable config file.
	ErrConfigFile = perrors.Normalize(
		"failed to load config file %s", perrors.RFCCodeText("ORCH:ErrConfigFile"))

	// ErrConfigInvalid reports a config value that fails validation. The
	// argument names the offending item.
	ErrConfigInvalid = perrors.Normalize(
		"invalid config: %s", perrors.RFCCodeText("ORCH:ErrConfigInvalid"))
)

// Re-exported helpers so call sites only import this package.
var (
	Trace = perrors.Trace
	Cause = perrors.Cause
)

// WrapError wraps an underlying error into a normalized one, keeping the
// cause chain. Returns nil if err is nil.
func WrapError(rfcError *perrors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

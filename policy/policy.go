// Package policy holds the pure task-runtime math shared by the worker,
// ticket service, and schedule engine: retry backoff, lease windows, and
// stale-task detection. Nothing here touches the store.
package policy

import "time"

// Now returns the current instant in UTC. All engine timestamps flow
// through this so they compare cleanly against database rows.
func Now() time.Time {
	return time.Now().UTC()
}

// CoerceUTC normalizes a timestamp to UTC. Naive timestamps read back from
// some drivers carry a zero offset already; this makes the intent explicit.
func CoerceUTC(t time.Time) time.Time {
	return t.UTC()
}

// NormalizeMaxAttempts resolves a task's retry ceiling. A nil or
// non-positive per-task value falls back to the configured default, and the
// result is never below one.
func NormalizeMaxAttempts(value *int, defaultMaxAttempts int) int {
	def := defaultMaxAttempts
	if def < 1 {
		def = 1
	}
	if value == nil {
		return def
	}
	if *value < 1 {
		return 1
	}
	return *value
}

// LeaseExpiresAt computes the end of a claim's lease window.
func LeaseExpiresAt(now time.Time, leaseSeconds int) time.Time {
	if leaseSeconds < 1 {
		leaseSeconds = 1
	}
	return now.Add(time.Duration(leaseSeconds) * time.Second)
}

// ComputeRetryDelaySeconds returns the exponential backoff delay for the
// given attempt, bounded to [base, max]. Attempt one waits the base delay;
// each further attempt doubles it until the cap.
func ComputeRetryDelaySeconds(attemptCount, retryBaseSeconds, retryMaxSeconds int) int {
	base := retryBaseSeconds
	if base < 1 {
		base = 1
	}
	maximum := retryMaxSeconds
	if maximum < base {
		maximum = base
	}

	exp := attemptCount - 1
	if exp < 0 {
		exp = 0
	}
	delay := base
	for i := 0; i < exp; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// ComputeNextRetryAt returns the instant a failed task becomes eligible again.
func ComputeNextRetryAt(now time.Time, attemptCount, retryBaseSeconds, retryMaxSeconds int) time.Time {
	delay := ComputeRetryDelaySeconds(attemptCount, retryBaseSeconds, retryMaxSeconds)
	return now.Add(time.Duration(delay) * time.Second)
}

// ShouldDeadLetter reports whether a task has exhausted its retry budget.
func ShouldDeadLetter(attemptCount, maxAttempts int) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return attemptCount >= maxAttempts
}

// IsRetryReady reports whether a deferred or retrying task is eligible to run.
func IsRetryReady(now time.Time, nextRunAt *time.Time) bool {
	if nextRunAt == nil {
		return true
	}
	return !nextRunAt.UTC().After(now)
}

// IsStaleRunningTask reports whether a running task's claim should be
// considered dead. A lease expiry is authoritative when present; otherwise
// the task is stale once it has been running longer than the fallback
// timeout. Tasks with neither a lease nor a start time are never stale.
func IsStaleRunningTask(now time.Time, leaseExpiresAt, startedAt *time.Time, staleTimeoutSeconds int) bool {
	if leaseExpiresAt != nil {
		return !leaseExpiresAt.UTC().After(now)
	}
	if startedAt == nil {
		return false
	}
	if staleTimeoutSeconds < 1 {
		staleTimeoutSeconds = 1
	}
	cutoff := now.Add(-time.Duration(staleTimeoutSeconds) * time.Second)
	return !startedAt.UTC().After(cutoff)
}

package gousage

import "errors"

var (
	// ErrStoreUnavailable is returned when the persistent store cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStaleSnapshot is returned when a polled snapshot is not newer than the stored baseline
	ErrStaleSnapshot = errors.New("stale snapshot")

	// ErrMalformedSnapshot is returned when the upstream response cannot be used at all
	ErrMalformedSnapshot = errors.New("malformed snapshot")

	// ErrInvalidSnapshot is returned for snapshots that fail validation
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrUpstreamUnavailable is returned when the usage source fails
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrCycleInProgress is returned when a manual poll is requested during a running cycle
	ErrCycleInProgress = errors.New("poll cycle in progress")

	// ErrInvalidRateLimitConfig is returned for inconsistent rate-limit configurations
	ErrInvalidRateLimitConfig = errors.New("invalid rate limit config")

	// ErrRateLimitConfigNotFound is returned when a config id is unknown
	ErrRateLimitConfigNotFound = errors.New("rate limit config not found")
)

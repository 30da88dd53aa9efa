package offline0

import "errors"

var (
	// ErrInvalidState is returned when a lifecycle step is attempted from the wrong state.
	ErrInvalidState = errors.New("invalid worker state")

	// ErrBadStatus marks a non-2xx origin response where a successful one is required.
	ErrBadStatus = errors.New("unexpected response status")

	// ErrFetchFailed wraps transport failures talking to the origin.
	ErrFetchFailed = errors.New("network fetch failed")

	// ErrBodyTooLarge is returned when an origin body exceeds fetch.maxBodySize.
	ErrBodyTooLarge = errors.New("response body too large")

	// ErrPermissionDenied is returned when notifications may not be shown.
	ErrPermissionDenied = errors.New("notification permission denied")

	ErrNotificationNotFound = errors.New("notification not found")
)

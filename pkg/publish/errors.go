package publish

import (
	"errors"
	"fmt"
)

// Sentinel errors for publication.
var (
	// ErrInvalidDestination indicates the destination URL could not be parsed.
	ErrInvalidDestination = errors.New("invalid publish destination")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrThrottled indicates the request was rate limited by the store.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the store is unavailable.
	ErrUnavailable = errors.New("store unavailable")
)

// Error wraps a store error with context.
type Error struct {
	Op     string
	Scheme string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Scheme, e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Scheme, e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

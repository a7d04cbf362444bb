package gitsync

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPushRejected is returned when the remote refused the push because the
// branch moved since it was cloned.
var ErrPushRejected = errors.New("push rejected: remote branch advanced")

// ErrNoReachableCredential is returned when no credential can reach the remote.
var ErrNoReachableCredential = errors.New("no credential can access the repository")

// StrategyError is one failed clone attempt.
type StrategyError struct {
	Strategy string
	Err      error
}

// CloneError is returned when every clone strategy failed.
type CloneError struct {
	URL      string
	Attempts []StrategyError
}

func (e *CloneError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return fmt.Sprintf("failed to clone %s (%s)", e.URL, strings.Join(parts, "; "))
}

// PushError is returned when the local commit succeeded but the push did
// not. LocalCommit is the hash that was never published.
type PushError struct {
	LocalCommit string
	Err         error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push of local commit %s failed: %v", e.LocalCommit, e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}

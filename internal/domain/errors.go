package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrVersionConflict is returned by GroupStore.Save when the caller's
// version is stale.
var ErrVersionConflict = errors.New("group store: version conflict")

// ValidationError rejects an operation locally, before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PreconditionError aborts a bulk trigger because the requested branch is
// absent from one or more member projects. Missing holds display names.
type PreconditionError struct {
	Branch  string
	Missing []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("branch %q does not exist in: %s", e.Branch, strings.Join(e.Missing, ", "))
}

// UpstreamError carries GitLab's own error detail so operators can debug
// against upstream semantics instead of a generic failure.
type UpstreamError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *UpstreamError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: gitlab returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: gitlab returned %d: %s", e.Op, e.StatusCode, e.Detail)
}

// GateNotReadyError refuses a promotion whose prerequisite stages are not
// uniformly cleared across every active pipeline in the bucket.
type GateNotReadyError struct {
	Stage  EnvironmentStage
	Reason string
}

func (e *GateNotReadyError) Error() string {
	return fmt.Sprintf("cannot promote to %s: %s", e.Stage, e.Reason)
}

package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Caller-input errors of the administrative surface.
var (
	ErrNotFound          = errors.New("plugin not found")
	ErrAlreadyRegistered = errors.New("plugin already registered")
	ErrAlreadyEnabled    = errors.New("plugin already enabled for tenant")
	ErrNotEnabled        = errors.New("plugin not enabled for tenant")
	ErrAlreadyInProgress = errors.New("transition already in progress")
	ErrAccessNotGranted  = errors.New("tenant has no access to private plugin")
	ErrNotPrivate        = errors.New("plugin is not private")
	ErrGlobalPlugin      = errors.New("global plugins have no tenant state")
	ErrNotLoaded         = errors.New("plugin is not loaded")
	ErrDependentsRunning = errors.New("dependent plugins are running for tenant")
	ErrBuiltinPermanent  = errors.New("builtin plugins cannot be installed or removed at runtime")
	ErrInvalidConfig     = errors.New("invalid plugin configuration")
)

// ValidationError carries the accumulated problems of a malformed manifest.
// A plugin with a validation error never proceeds to load.
type ValidationError struct {
	PluginID string
	Problems []string
}

func (e *ValidationError) Error() string {
	id := e.PluginID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("invalid manifest %s: %s", id, strings.Join(e.Problems, "; "))
}

// DependencyKind classifies a dependency failure
type DependencyKind int

const (
	Unsatisfied DependencyKind = iota
	Cycle
	Conflict
)

func (k DependencyKind) String() string {
	switch k {
	case Unsatisfied:
		return "unsatisfied"
	case Cycle:
		return "cycle"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// DependencyError blocks the affected subgraph only.
type DependencyError struct {
	Kind    DependencyKind
	Plugin  string
	Missing string   // Unsatisfied: the dependency that is absent, mismatched or blocked
	Detail  string   // Unsatisfied: why Missing does not satisfy Plugin
	Cycle   []string // Cycle: the full path, first id repeated at the end
	With    string   // Conflict: the other plugin
}

func (e *DependencyError) Error() string {
	switch e.Kind {
	case Cycle:
		return fmt.Sprintf("plugin %s is part of dependency cycle %s", e.Plugin, strings.Join(e.Cycle, " -> "))
	case Conflict:
		return fmt.Sprintf("plugin %s conflicts with %s", e.Plugin, e.With)
	default:
		msg := fmt.Sprintf("plugin %s has unsatisfied dependency %s", e.Plugin, e.Missing)
		if e.Detail != "" {
			msg += ": " + e.Detail
		}
		return msg
	}
}

// DependencyErrors flattens err, possibly joined, into its DependencyErrors.
func DependencyErrors(err error) []*DependencyError {
	var out []*DependencyError
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		var de *DependencyError
		if errors.As(err, &de) {
			out = append(out, de)
		}
	}
	walk(err)
	return out
}

// LifecycleKind classifies a lifecycle failure
type LifecycleKind int

const (
	EnableFailed LifecycleKind = iota
	HookFailed
	Precondition
)

func (k LifecycleKind) String() string {
	switch k {
	case EnableFailed:
		return "enable_failed"
	case HookFailed:
		return "hook_failed"
	case Precondition:
		return "precondition"
	default:
		return "unknown"
	}
}

// LifecycleError is localized to one plugin or plugin/tenant pair. Err is
// always the original failure; a failed rollback is kept in RollbackErr and
// never replaces it.
type LifecycleError struct {
	Kind        LifecycleKind
	PluginID    string
	TenantID    string
	Hook        string
	Err         error
	RollbackErr error
}

func (e *LifecycleError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: plugin %s", e.Kind, e.PluginID)
	if e.TenantID != "" {
		fmt.Fprintf(&b, " tenant %s", e.TenantID)
	}
	if e.Hook != "" {
		fmt.Fprintf(&b, " hook %s", e.Hook)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

package guard

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	ErrCapabilityDenied  = errors.New("capability denied")
	ErrTenantViolation   = errors.New("tenant violation")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrTimeout           = errors.New("hook deadline exceeded")
)

// Kind classifies an access denial.
type Kind int

const (
	CapabilityDenied Kind = iota
	TenantViolation
	RateLimitExceeded
	Timeout
)

func (k Kind) String() string {
	switch k {
	case CapabilityDenied:
		return "capability_denied"
	case TenantViolation:
		return "tenant_violation"
	case RateLimitExceeded:
		return "rate_limit_exceeded"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case CapabilityDenied:
		return ErrCapabilityDenied
	case TenantViolation:
		return ErrTenantViolation
	case RateLimitExceeded:
		return ErrRateLimitExceeded
	default:
		return ErrTimeout
	}
}

// AccessError is returned for a denied host call or an expired hook. It is
// localized to the one call and never escalates on its own.
type AccessError struct {
	Kind     Kind
	PluginID string
	API      string
	TenantID string
	Detail   string
}

func (e *AccessError) Error() string {
	msg := fmt.Sprintf("%s: plugin %s", e.Kind.sentinel(), e.PluginID)
	if e.API != "" {
		msg += " calling " + e.API
	}
	if e.TenantID != "" {
		msg += " for tenant " + e.TenantID
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap exposes the kind's sentinel.
func (e *AccessError) Unwrap() error {
	return e.Kind.sentinel()
}

// IsKind reports whether err is an AccessError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *AccessError
	return errors.As(err, &ae) && ae.Kind == kind
}

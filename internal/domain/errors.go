package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the fixed taxonomy every engine error falls into.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	StartFailure
	ResolveFailure
	RegisterFailure
	CallbackDuringShutdown
)

func (k ErrorKind) String() string {
	switch k {
	case StartFailure:
		return "start_failure"
	case ResolveFailure:
		return "resolve_failure"
	case RegisterFailure:
		return "register_failure"
	case CallbackDuringShutdown:
		return "callback_during_shutdown"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidQuery        = errors.New("invalid browse query")
	ErrInvalidInstance     = errors.New("invalid service instance")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrInvalidInput        = errors.New("invalid input")
	ErrRegistrationPending = errors.New("registration already in progress")
	ErrSuperseded          = errors.New("registration superseded before it was issued")
	ErrNotRegistered       = errors.New("no service registered")
	ErrEngineClosed        = errors.New("engine closed")
	ErrStaleCallback       = errors.New("callback for a torn down operation")
	ErrResolverUnavailable = errors.New("resolver unavailable")
	ErrNotFound            = errors.New("resource not found")
)

type DiscoveryError struct {
	Kind    ErrorKind
	Op      string
	Adapter string
	Err     error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery[%s] %s (%s): %v", e.Adapter, e.Op, e.Kind, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

func NewDiscoveryError(kind ErrorKind, adapter, op string, err error) *DiscoveryError {
	return &DiscoveryError{
		Kind:    kind,
		Op:      op,
		Adapter: adapter,
		Err:     err,
	}
}

// KindOf returns the kind of the outermost DiscoveryError in err's chain.
func KindOf(err error) ErrorKind {
	var discoveryErr *DiscoveryError
	if errors.As(err, &discoveryErr) {
		return discoveryErr.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

func IsStartFailure(err error) bool {
	return IsKind(err, StartFailure)
}

func IsResolveFailure(err error) bool {
	return IsKind(err, ResolveFailure)
}

func IsRegisterFailure(err error) bool {
	return IsKind(err, RegisterFailure)
}

func IsCallbackDuringShutdown(err error) bool {
	return IsKind(err, CallbackDuringShutdown)
}

func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   fmt.Errorf("%w: %w", ErrInvalidConfig, err),
	}
}

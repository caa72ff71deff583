// Package faults holds the error taxonomy shared by the engine packages.
//
// Every error surfaced by the engine carries one of the kinds below through
// ftag, so hosts can switch on ftag.Get(err) the same way for parse, config,
// callback, state and load failures.
package faults

import (
	"errors"
	"fmt"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

const (
	Parse    ftag.Kind = "PARSE"
	Config   ftag.Kind = "CONFIG"
	Callback ftag.Kind = "CALLBACK"
	State    ftag.Kind = "STATE"
	Load     ftag.Kind = "LOAD"
)

// ConfigError rejects an invalid parameter; the previous value is retained.
type ConfigError struct {
	Param string
	Value any
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %v", e.Param, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StateError reports an operation that is invalid in the current state.
type StateError struct {
	Op    string
	State string
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s while %s: %v", e.Op, e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// CallbackFault wraps an error returned (or a panic raised) by an intercept callback.
type CallbackFault struct {
	Tick int64
	Err  error
}

func (e *CallbackFault) Error() string {
	return fmt.Sprintf("intercept callback failed at tick %d: %v", e.Tick, e.Err)
}

func (e *CallbackFault) Unwrap() error { return e.Err }

// LoadError is returned when a source cannot be loaded. The session is untouched.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %q: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func NewConfig(param string, value any, err error) error {
	return fault.Wrap(&ConfigError{Param: param, Value: value, Err: err}, ftag.With(Config))
}

func NewState(op, state string, err error) error {
	return fault.Wrap(&StateError{Op: op, State: state, Err: err}, ftag.With(State))
}

func NewCallback(tick int64, err error) error {
	return fault.Wrap(&CallbackFault{Tick: tick, Err: err}, ftag.With(Callback))
}

func NewLoad(source string, err error) error {
	return fault.Wrap(&LoadError{Source: source, Err: err}, ftag.With(Load), fmsg.With("load failed"))
}

// Kind returns the taxonomy kind of err, or ftag.None.
func Kind(err error) ftag.Kind {
	return ftag.Get(err)
}

// Is reports whether err carries kind k.
func Is(err error, k ftag.Kind) bool {
	return err != nil && ftag.Get(err) == k
}

// Recovered turns a recovered panic value into an error.
func Recovered(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return errors.New(fmt.Sprint(v))
}

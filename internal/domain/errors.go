package domain

import (
	"errors"
	"fmt"
	"strings"
)

type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	case e.Msg != "":
		return e.Msg
	case e.Field != "":
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return "validation error"
}

// InvalidStateError is returned when an operation is not legal from the
// entity's current state. Nothing has been written when it is returned.
type InvalidStateError struct {
	Entity   string
	ID       int64
	Expected []string
	Actual   string
}

func (e InvalidStateError) Error() string {
	if len(e.Expected) == 0 {
		return fmt.Sprintf("%s %d: operation not allowed in state %s", e.Entity, e.ID, e.Actual)
	}
	return fmt.Sprintf("%s %d: expected state %s, got %s", e.Entity, e.ID, strings.Join(e.Expected, "|"), e.Actual)
}

type OwnershipError struct {
	Resource string
	ID       int64
	ActorID  int64
}

func (e OwnershipError) Error() string {
	return fmt.Sprintf("user %d does not own %s %d", e.ActorID, e.Resource, e.ID)
}

type ForbiddenError struct {
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: forbidden", e.Action)
	}
	return fmt.Sprintf("%s: %s", e.Action, e.Reason)
}

type NotFoundError struct {
	Resource string
	ID       int64
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	if e.ID == 0 {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

// ErrConflict is returned by stores when a uniqueness constraint or a
// conditional update lost against a concurrent writer.
var ErrConflict = errors.New("conflict")

// DeliveryError wraps a failed push to a live connection. It stays inside
// the fanout; callers never see it.
type DeliveryError struct {
	UserID int64
	Err    error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("deliver to user %d: %v", e.UserID, e.Err)
}

func (e DeliveryError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsInvalidState(err error) bool {
	var target InvalidStateError
	return errors.As(err, &target)
}

// IsForbidden covers both ownership and permission failures.
func IsForbidden(err error) bool {
	var own OwnershipError
	var fb ForbiddenError
	return errors.As(err, &own) || errors.As(err, &fb)
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

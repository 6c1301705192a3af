package errors

import (
	"errors"
)

// Kind names used on the wire. The kind identifies which sentinel a decoded error
// must match so that errors.Is behaves the same on both sides of a proxy.
const (
	KindConstruction = "construction"
	KindNotFound     = "not_found"
	KindValidation   = "validation"
	KindReadOnly     = "read_only"
	KindHardware     = "hardware"
	KindUnreachable  = "unreachable"
	KindTimeout      = "timeout"
	KindCancelled    = "cancelled"
	KindTerminated   = "terminated"
	KindCallKind     = "call_kind"
	KindOther        = "other"
)

var kindSentinels = []struct {
	kind string
	err  error
}{
	{KindConstruction, ErrConstruction},
	{KindNotFound, ErrNotFound},
	{KindValidation, ErrValidation},
	{KindReadOnly, ErrReadOnly},
	{KindHardware, ErrHardware},
	{KindUnreachable, ErrUnreachable},
	{KindTimeout, ErrTimeout},
	{KindCancelled, ErrCancelled},
	{KindTerminated, ErrTerminated},
	{KindCallKind, ErrCallKind},
}

// WireError is the serialized form of an error crossing a container boundary
type WireError struct {
	Kind    string `json:"kind"`
	Class   string `json:"class"`
	Message string `json:"message"`
}

// RemoteError is an error rebuilt from its wire form. It matches the sentinel of its
// kind and keeps the original message.
type RemoteError struct {
	Kind    string
	Class   ErrorClass
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is matches the sentinel corresponding to the remote kind
func (e *RemoteError) Is(target error) bool {
	for _, ks := range kindSentinels {
		if ks.kind == e.Kind {
			return target == ks.err
		}
	}
	return false
}

// Encode converts err to its wire form. A nil error yields nil.
func Encode(err error) *WireError {
	if err == nil {
		return nil
	}
	kind := KindOther
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			kind = ks.kind
			break
		}
	}
	return &WireError{
		Kind:    kind,
		Class:   Classify(err).String(),
		Message: err.Error(),
	}
}

// Decode rebuilds an error from its wire form. A nil WireError yields nil.
func Decode(we *WireError) error {
	if we == nil {
		return nil
	}
	class := ErrorTransient
	switch we.Class {
	case "invalid":
		class = ErrorInvalid
	case "fatal":
		class = ErrorFatal
	}
	re := &RemoteError{Kind: we.Kind, Class: class, Message: we.Message}
	if we.Kind == KindOther {
		return newClassified(class, re, "", "", we.Message)
	}
	return re
}

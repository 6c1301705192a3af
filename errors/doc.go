// Package errors provides standardized error handling for semscope.
//
// # Overview
//
// Errors are classified in three classes: Transient (temporary, retryable), Invalid
// (bad input, non-retryable), and Fatal (unrecoverable). On top of the classes, the
// component model defines one sentinel per failure kind a client must be able to
// recognise:
//
//   - ErrConstruction: unknown component type or bad constructor arguments
//   - ErrNotFound: unknown container or object at lookup
//   - ErrValidation, ErrReadOnly: an attribute rejected a write
//   - ErrHardware: the device reports a fault (carried as component state)
//   - ErrUnreachable: the hosting container died or stopped answering
//   - ErrTimeout: a Result or Wait deadline passed
//   - ErrCancelled: the result of a cancelled task was requested
//   - ErrTerminated: the component was terminated
//
// ErrUnreachable is deliberately distinct from every error a remote object can return
// itself, so callers can tell "the object rejected the call" from "the object is gone".
// The framework never retries an unreachable call.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Component", "Method", "action")
//	errors.WrapInvalid(err, "Component", "Method", "action")
//	errors.WrapFatal(err, "Component", "Method", "action")
//
// # Crossing a container boundary
//
// Encode converts any error to a WireError carrying its kind, class and message.
// Decode rebuilds a RemoteError that matches the same sentinel:
//
//	we := errors.Encode(err)       // server side
//	err := errors.Decode(we)       // client side
//	errors.Is(err, errors.ErrValidation) // same answer on both sides
//
// # Fatal panics
//
// Callbacks run by the framework (attribute listeners, dataflow subscribers, future
// done callbacks) are isolated: a panic is recovered and logged. A panic whose value
// is an error classified Fatal is re-raised instead.
package errors

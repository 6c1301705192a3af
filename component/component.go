package component

import (
	"context"
	"fmt"

	"github.com/c360/semscope/dataflow"
	"github.com/c360/semscope/event"
	"github.com/c360/semscope/future"
	"github.com/c360/semscope/vattr"
)

// CallKind tells how a method is invoked and what its caller waits for
type CallKind int

const (
	// Sync methods block the caller until they return a value
	Sync CallKind = iota
	// Oneway methods are dispatched without waiting for completion or result
	Oneway
	// Async methods return a future at once; the work continues out of band
	Async
)

func (k CallKind) String() string {
	switch k {
	case Sync:
		return "sync"
	case Oneway:
		return "oneway"
	case Async:
		return "async"
	default:
		return fmt.Sprintf("callkind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name
func (k CallKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name
func (k *CallKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "sync":
		*k = Sync
	case "oneway":
		*k = Oneway
	case "async":
		*k = Async
	default:
		return fmt.Errorf("unknown call kind %q", text)
	}
	return nil
}

// MethodFunc implements a method. Arguments are local values or wire-decoded values; use
// codec.As to read them. Async methods return a future.Interface.
type MethodFunc func(ctx context.Context, args []any) (any, error)

// Method is a named operation of a component
type Method struct {
	Kind CallKind
	Fn   MethodFunc
}

// Names of the attributes every component exposes
const (
	AttrState    = "state"
	AttrChildren = "children"
	AttrAffects  = "affects"
)

// Component is the view shared by hosted components and their proxies. Only attributes,
// dataflows, events and futures keep their semantics across a container boundary; every
// other value is copied.
type Component interface {
	Name() string
	Role() string
	// Parent returns the name of the parent component, empty at the root
	Parent() string
	Metadata() map[string]string

	// State holds a State, Children the names of the child components, Affects the names
	// of the components this one has an effect on.
	State() vattr.Attribute
	Children() vattr.Attribute
	Affects() vattr.Attribute

	Attributes() map[string]vattr.Attribute
	DataFlows() map[string]dataflow.Interface
	Events() map[string]event.Interface
	Methods() map[string]CallKind

	// Call invokes a Sync method and waits for its result
	Call(ctx context.Context, method string, args ...any) (any, error)
	// Cast dispatches a Oneway method without waiting
	Cast(method string, args ...any) error
	// CallAsync invokes an Async method and returns its future
	CallAsync(ctx context.Context, method string, args ...any) (future.Interface, error)

	// Terminate stops the component and every component it created. It is idempotent;
	// every other operation fails with errors.ErrTerminated afterwards.
	Terminate(ctx context.Context) error
}

// Resolver finds components by name, wherever they are hosted
type Resolver interface {
	Resolve(ctx context.Context, name string) (Component, error)
}

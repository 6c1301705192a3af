// Package codec converts values crossing a container boundary. Plain values travel as JSON and
// are rebuilt as generic Go values (float64, string, []any, map[string]any) on the receiving side;
// As converts either form to the type the caller expects, so typed access reads the same through
// a proxy as it does in process. Capability objects never travel by value: they are replaced by a
// Ref that the receiving container turns back into a proxy.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/c360/semscope/errors"
)

// Kind identifies the capability a Ref points to
type Kind string

// Capability kinds that keep full semantics across a proxy
const (
	KindComponent Kind = "component"
	KindAttribute Kind = "attribute"
	KindDataFlow  Kind = "dataflow"
	KindEvent     Kind = "event"
	KindFuture    Kind = "future"
)

// Ref addresses a capability object. Object is a component name or a future id; Member names
// the attribute, dataflow or event of that component.
type Ref struct {
	Kind      Kind   `json:"kind"`
	Container string `json:"container"`
	Object    string `json:"object"`
	Member    string `json:"member,omitempty"`
}

func (r Ref) String() string {
	if r.Member != "" {
		return fmt.Sprintf("%s:%s/%s.%s", r.Kind, r.Container, r.Object, r.Member)
	}
	return fmt.Sprintf("%s:%s/%s", r.Kind, r.Container, r.Object)
}

// Referencer is implemented by proxies, which know where their target lives
type Referencer interface {
	Ref() Ref
}

// As converts v to T. A value already of type T is returned as is; anything else goes through a
// JSON round trip, which covers numbers decoded as float64 and containers decoded as []any or
// map[string]any. The conversion fails with errors.ErrValidation.
func As[T any](v any) (T, error) {
	var out T
	if t, ok := v.(T); ok {
		return t, nil
	}
	if v == nil {
		return out, errors.Validationf("cannot convert nil to %T", out)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, errors.Validationf("cannot encode %T: %v", v, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, errors.Validationf("cannot convert %T to %T: %v", v, out, err)
	}
	return out, nil
}

// MustAs is As for values whose type is known by construction
func MustAs[T any](v any) T {
	out, err := As[T](v)
	if err != nil {
		panic(err)
	}
	return out
}

// Equal reports whether two values are the same for notification purposes. Comparable values use
// ==, others (slices, maps) deep equality.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return safeCompare(a, b)
	}
	return reflect.DeepEqual(a, b)
}

// safeCompare guards against interface-typed fields holding non-comparable values
func safeCompare(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = reflect.DeepEqual(a, b)
		}
	}()
	return a == b
}

// Encode marshals a plain value for the wire
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "codec", "Encode", fmt.Sprintf("marshal %T", v))
	}
	return data, nil
}

// Decode unmarshals a wire value into its generic form. An empty message decodes to nil.
func Decode(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.WrapInvalid(err, "codec", "Decode", "unmarshal value")
	}
	return v, nil
}

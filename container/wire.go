package container

import (
	"encoding/json"
	"time"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/pkg/codec"
	"github.com/c360/semscope/vattr"
)

// Operations of the request/reply protocol
const (
	opPing        = "ping"
	opInstantiate = "instantiate"
	opDescribe    = "describe"
	opTerminate   = "terminate"
	opCall        = "call"
	opCast        = "cast"
	opTask        = "task"
	opAttrSet     = "va.set"
	opFlowSub     = "df.sub"
	opFlowUnsub   = "df.unsub"
	opFlowSync    = "df.sync"
	opFutCancel   = "fut.cancel"
	opFutState    = "fut.state"
)

// Value is an erased value on the wire: either a reference to a capability object or
// JSON data copied by value.
type Value struct {
	Ref  *codec.Ref      `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type request struct {
	Op       string          `json:"op"`
	From     string          `json:"from"`
	Object   string          `json:"object,omitempty"`
	Member   string          `json:"member,omitempty"`
	Class    string          `json:"class,omitempty"`
	Role     string          `json:"role,omitempty"`
	Kwargs   component.Args  `json:"kwargs,omitempty"`
	Args     []Value         `json:"args,omitempty"`
	Value    *Value          `json:"value,omitempty"`
	Subject  string          `json:"subject,omitempty"`
	Sub      string          `json:"sub,omitempty"`
	Deadline *time.Time      `json:"deadline,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

type response struct {
	Error       *errors.WireError `json:"error,omitempty"`
	Value       *Value            `json:"value,omitempty"`
	Version     uint64            `json:"version,omitempty"`
	Accepted    bool              `json:"accepted,omitempty"`
	Sub         string            `json:"sub,omitempty"`
	Description *Description      `json:"description,omitempty"`
	Future      *futureSnapshot   `json:"future,omitempty"`
	Instance    string            `json:"instance,omitempty"`
}

// Description is what a proxy needs to stand for a hosted component
type Description struct {
	Name       string                        `json:"name"`
	Role       string                        `json:"role"`
	Parent     string                        `json:"parent,omitempty"`
	Metadata   map[string]string             `json:"metadata,omitempty"`
	Attributes map[string]AttributeSnapshot  `json:"attributes"`
	DataFlows  []string                      `json:"dataflows,omitempty"`
	Events     []string                      `json:"events,omitempty"`
	Methods    map[string]component.CallKind `json:"methods,omitempty"`
	Terminated bool                          `json:"terminated,omitempty"`
}

// AttributeSnapshot is the metadata and current value of an attribute
type AttributeSnapshot struct {
	Meta    vattr.Meta `json:"meta"`
	Value   Value      `json:"value"`
	Version uint64     `json:"version"`
}

type attrChange struct {
	Version uint64 `json:"version"`
	Value   Value  `json:"value"`
}

type futureSnapshot struct {
	ID          string            `json:"id"`
	State       string            `json:"state"`
	Progressive bool              `json:"progressive,omitempty"`
	Result      *Value            `json:"result,omitempty"`
	Error       *errors.WireError `json:"error,omitempty"`
	Elapsed     time.Duration     `json:"elapsed,omitempty"`
	Remaining   time.Duration     `json:"remaining,omitempty"`
}

type heartbeat struct {
	Instance string    `json:"instance"`
	At       time.Time `json:"at"`
}

// blockHeader carries the non-payload fields of a dataflow block; the payload is the
// message body.
const blockHeader = "Semscope-Block"

type blockMeta struct {
	Shape    []int          `json:"shape,omitempty"`
	DType    string         `json:"dtype,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func errorResponse(err error) response {
	return response{Error: errors.Encode(err)}
}

package container

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/pkg/codec"
)

func TestSubjects(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		expected string
	}{
		{"rpc", rpcSubject("hw"), "semscope.hw.rpc"},
		{"attribute", attrSubject("hw", "cam", "exposureTime"), "semscope.hw.va.cam.exposureTime"},
		{"attribute wildcard", attrWildcard("hw", "cam"), "semscope.hw.va.cam.>"},
		{"event", eventSubject("hw", "cam", "softwareTrigger"), "semscope.hw.ev.cam.softwareTrigger"},
		{"block", blockSubject("hw", "cam", "data", "s1"), "semscope.hw.df.cam.data.s1"},
		{"future", futureSubject("hw", "f1"), "semscope.hw.fut.f1"},
		{"heartbeat", heartbeatSubject("hw"), "semscope.heartbeat.hw"},
		{"terminated", terminatedSubject("hw"), "semscope.terminated.hw"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, test.subject)
		})
	}
}

func TestLastToken(t *testing.T) {
	assert.Equal(t, "hw", lastToken(heartbeatSubject("hw")))
	assert.Equal(t, "exposureTime", lastToken(attrSubject("hw", "cam", "exposureTime")))
	assert.Equal(t, "plain", lastToken("plain"))
}

func TestRequest_WireForm(t *testing.T) {
	ref := codec.Ref{Kind: codec.KindEvent, Container: "hw", Object: "cam", Member: "softwareTrigger"}
	req := request{
		Op:     opCall,
		From:   "main",
		Object: "stage",
		Member: "moveRel",
		Args:   []Value{{Data: json.RawMessage(`{"x":0.001}`)}, {Ref: &ref}},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded request
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, opCall, decoded.Op)
	require.Len(t, decoded.Args, 2)
	assert.JSONEq(t, `{"x":0.001}`, string(decoded.Args[0].Data))
	require.NotNil(t, decoded.Args[1].Ref)
	assert.Equal(t, ref, *decoded.Args[1].Ref)
	assert.NotContains(t, string(data), "kwargs")
}

func TestResponse_ErrorKeepsKind(t *testing.T) {
	resp := errorResponse(errors.WrapInvalid(errors.ErrCallKind, "stage", "Call", "call moveRel"))
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded response
	require.NoError(t, json.Unmarshal(data, &decoded))
	err = errors.Decode(decoded.Error)
	assert.ErrorIs(t, err, errors.ErrCallKind)
	assert.True(t, errors.IsInvalid(err))
}

func TestDescription_MethodKinds(t *testing.T) {
	d := Description{
		Name:    "stage",
		Methods: map[string]component.CallKind{"moveRel": component.Async, "stop": component.Oneway},
	}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"moveRel":"async"`)

	var decoded Description
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, d.Methods, decoded.Methods)
}

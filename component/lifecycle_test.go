package component

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/pkg/codec"
)

func TestState_JSONKeepsErrorKind(t *testing.T) {
	s := State{Phase: PhaseRunning, Err: errors.NewHardwareError("overheat")}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded State
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, PhaseRunning, decoded.Phase)
	assert.ErrorIs(t, decoded.Err, errors.ErrHardware)
	assert.Equal(t, s.String(), decoded.String())
}

func TestState_FromWireMap(t *testing.T) {
	var wire any
	require.NoError(t, json.Unmarshal([]byte(`{"phase":"starting","error":{"kind":"hardware","class":"transient","message":"hardware error: lamp"}}`), &wire))

	st, err := codec.As[State](wire)
	require.NoError(t, err)
	assert.Equal(t, PhaseStarting, st.Phase)
	assert.True(t, st.Faulted())
	assert.ErrorIs(t, st.Err, errors.ErrHardware)
	assert.Equal(t, "starting: hardware error: lamp", st.String())
}

func TestReadState_Local(t *testing.T) {
	b := NewBase("x", "test")
	st, err := ReadState(b)
	require.NoError(t, err)
	assert.Equal(t, "unloaded", st.String())
}

func TestCallKind_Text(t *testing.T) {
	for _, k := range []CallKind{Sync, Oneway, Async} {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var back CallKind
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, k, back)
	}
	var k CallKind
	assert.Error(t, k.UnmarshalText([]byte("later")))
}

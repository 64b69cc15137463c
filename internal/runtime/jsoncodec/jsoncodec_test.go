package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slot struct {
	Replica int    `json:"replica"`
	State   string `json:"state"`
}

func TestRoundTrip(t *testing.T) {
	in := slot{Replica: 2, State: "running"}
	raw, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"replica":2,"state":"running"}`, string(raw))

	var out slot
	require.NoError(t, Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestMapKeysAreSorted(t *testing.T) {
	raw, err := Marshal(map[string]int{"odd": 1, "even": 2, "all": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"all":3,"even":2,"odd":1}`, string(raw))
}

func TestMarshalIndent(t *testing.T) {
	raw, err := MarshalIndent([]slot{{Replica: 0, State: "exited"}}, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  {")
}

func TestEncodeDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, slot{Replica: 1, State: "starting"}))
	require.NoError(t, Encode(&buf, slot{Replica: 2, State: "running"}))
	assert.Equal(t, byte('\n'), buf.Bytes()[buf.Len()-1])

	var first, second slot
	require.NoError(t, Decode(&buf, &first))
	require.NoError(t, Decode(&buf, &second))
	assert.Equal(t, 1, first.Replica)
	assert.Equal(t, "running", second.State)
}

func TestUnmarshalRejectsInvalidInput(t *testing.T) {
	var out slot
	assert.Error(t, Unmarshal([]byte(`{"replica":`), &out))
}

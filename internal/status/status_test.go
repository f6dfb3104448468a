package status

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroValueIsInitializing(t *testing.T) {
	var s Status
	assert.Equal(t, Initializing, s.Kind)
	assert.False(t, s.IsOperational())
	assert.Equal(t, "Starting", s.Label())
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name string
		in   []Status
		want Kind
	}{
		{"all active", []Status{NewActive(), NewActive()}, Active},
		{"error wins", []Status{NewActive(), NewError(errors.New("gone")), {}}, Error},
		{"initializing beats active", []Status{NewActive(), {}}, Initializing},
		{"partial availability is active", []Status{NewActive(), NewUnavailable("no device")}, Active},
		{"all unavailable", []Status{NewUnavailable("a"), NewUnavailable("b")}, Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Combine(tt.in...).Kind)
		})
	}
}

func TestMarshalJSON(t *testing.T) {
	data, err := json.Marshal(NewError(errors.New("stream ended")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"error","message":"stream ended"}`, string(data))

	data, err = json.Marshal(NewActive())
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"active"}`, string(data))
}

func TestUnmarshalJSON(t *testing.T) {
	var s Status
	require.NoError(t, json.Unmarshal([]byte(`{"status":"unavailable","message":"no adapter"}`), &s))
	assert.Equal(t, NewUnavailable("no adapter"), s)

	require.NoError(t, json.Unmarshal([]byte(`{"status":"warming"}`), &s))
	assert.Equal(t, Status{Kind: Initializing}, s)
}

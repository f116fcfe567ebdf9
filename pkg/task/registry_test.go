package task

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type echoTask struct {
	Message string   `json:"message"`
	Limit   *int     `json:"limit"`
	Tags    []string `json:"tags,omitempty"`
	State   string   `json:"state,omitempty"`
}

func (t *echoTask) Run(ctx Context) error {
	ctx.SetOutput([]byte(t.Message))
	return nil
}

func (t *echoTask) Validate() error {
	if t.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

type otherTask struct{}

func (t *otherTask) Run(Context) error { return nil }

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register("echo", 2, func() Task { return &echoTask{} }, opts...))
	return r
}

func TestRegistry_EncodeDecodeFixedPoint(t *testing.T) {
	r := newRegistry(t, Strict())
	limit := 3
	original := &echoTask{Message: "hi", Limit: &limit, Tags: []string{"a"}, State: "collect"}

	first, err := r.Encode(original)
	require.NoError(t, err)

	decoded, err := r.Decode(first)
	require.NoError(t, err)
	require.Equal(t, original, decoded)

	second, err := r.Encode(decoded)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))

	name, err := TypeName(first)
	require.NoError(t, err)
	require.Equal(t, "echo", name)
}

func TestRegistry_DecodeErrors(t *testing.T) {
	r := newRegistry(t, Strict())

	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{name: "unknown type", data: `{"type":"nope","version":1,"state":{}}`, wantErr: ErrUnknownType},
		{name: "newer version", data: `{"type":"echo","version":3,"state":{"message":"x"}}`, wantErr: ErrIncompatibleVersion},
		{name: "unknown field", data: `{"type":"echo","version":2,"state":{"message":"x","extra":1}}`},
		{name: "missing required field", data: `{"type":"echo","version":2,"state":{"limit":null}}`},
		{name: "malformed", data: `{"type":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Decode([]byte(tt.data))
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_OlderVersionAndNullable(t *testing.T) {
	r := newRegistry(t, Strict())
	decoded, err := r.Decode([]byte(`{"type":"echo","version":1,"state":{"message":"x","limit":null}}`))
	require.NoError(t, err)
	require.Nil(t, decoded.(*echoTask).Limit)
}

func TestRegistry_LenientAcceptsUnknownFields(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Decode([]byte(`{"type":"echo","version":2,"state":{"message":"x","extra":1}}`))
	require.NoError(t, err)
}

func TestRegistry_RegisterAndEncodeErrors(t *testing.T) {
	r := newRegistry(t)
	require.Error(t, r.Register("echo", 1, func() Task { return &otherTask{} }))
	require.Error(t, r.Register("echo2", 1, func() Task { return &echoTask{} }))
	require.Error(t, r.Register("bad", 0, func() Task { return &otherTask{} }))

	_, err := r.Encode(&otherTask{})
	require.ErrorIs(t, err, ErrUnknownType)

	require.NoError(t, r.Register("other", 1, func() Task { return &otherTask{} }))
	require.Equal(t, []string{"echo", "other"}, r.Names())

	data, err := r.Encode(&otherTask{})
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, 1, env.Version)
}

package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"storage unavailable is transient", ErrStorageUnavailable, ErrorTransient},
		{"connection lost is transient", ErrConnectionLost, ErrorTransient},
		{"no agent connected is transient", ErrNoAgentConnected, ErrorTransient},
		{"invalid JSON is invalid", ErrInvalidJSON, ErrorInvalid},
		{"bad API key is invalid", ErrInvalidAPIKey, ErrorInvalid},
		{"not authenticated is invalid", ErrNotAuthenticated, ErrorInvalid},
		{"missing config is fatal", ErrMissingConfig, ErrorFatal},
		{"unknown defaults to transient", New("mystery"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("query: %w", ErrStorageUnavailable)
	assert.True(t, IsTransient(err))

	err = Wrap(ErrInvalidAPIKey, "Gateway", "handleAuth", "key lookup")
	assert.True(t, IsInvalid(err))
	assert.True(t, Is(err, ErrInvalidAPIKey))
}

func TestWrapHelpers(t *testing.T) {
	base := New("boom")

	transient := WrapTransient(base, "Store", "Record", "insert row")
	require.Error(t, transient)
	assert.True(t, IsTransient(transient))
	assert.Contains(t, transient.Error(), "Store.Record: insert row failed")

	invalid := WrapInvalid(base, "Gateway", "parse", "unmarshal")
	assert.True(t, IsInvalid(invalid))

	fatal := WrapFatal(base, "Config", "Load", "read file")
	assert.True(t, IsFatal(fatal))

	var ce *ClassifiedError
	require.True(t, As(fatal, &ce))
	assert.Equal(t, "Config", ce.Component)
	assert.Equal(t, "Load", ce.Operation)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigureReplacesSettings(t *testing.T) {
	var first bytes.Buffer
	Configure(Config{Level: "debug", Output: &first, Service: "roomsense-test"})
	logger := WithComponent("test")
	logger.Info().Str(FieldEvent, "unit.test").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(first.Bytes(), &entry))
	require.Equal(t, "roomsense-test", entry["service"])
	require.Equal(t, "test", entry[FieldComponent])
	require.Equal(t, "unit.test", entry[FieldEvent])

	// A later Configure, e.g. after the config file loaded, takes over.
	var second bytes.Buffer
	Configure(Config{Level: "debug", Output: &second, Service: "roomsense-live"})
	logger = WithComponent("test")
	logger.Info().Msg("again")

	entry = map[string]any{}
	require.NoError(t, json.Unmarshal(second.Bytes(), &entry))
	require.Equal(t, "roomsense-live", entry["service"])
}

func TestWithContextRequestID(t *testing.T) {
	ctx := ContextWithRequestID(t.Context(), "req-123")
	require.Equal(t, "req-123", RequestIDFromContext(ctx))
	require.Empty(t, RequestIDFromContext(nil))
}

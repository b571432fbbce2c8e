package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"zero hot capacity", func(c *Config) { c.Memory.HotCapacity = 0 }, "hot_capacity"},
		{"min turns above limit", func(c *Config) { c.Memory.MinContextTurns = 20 }, "context_limit"},
		{"threshold out of range", func(c *Config) { c.Memory.ImprovementThreshold = 6 }, "improvement_threshold"},
		{"unknown vectorstore", func(c *Config) { c.VectorStore.Provider = "pinecone" }, "unsupported vectorstore provider"},
		{"unknown embeddings", func(c *Config) { c.Embeddings.Provider = "cohere" }, "unsupported embeddings provider"},
		{"missing dsn", func(c *Config) { c.Archive.DSN = "" }, "archive.dsn"},
		{"knowledge shares archive collection", func(c *Config) { c.Knowledge.Collection = c.Archive.Collection }, "knowledge.collection"},
		{"knowledge overlap too large", func(c *Config) { c.Knowledge.ChunkOverlap = 4 }, "knowledge.chunk_overlap"},
		{"telemetry without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Endpoint = ""
		}, "telemetry.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_NeverPrints(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(out))

	assert.Equal(t, "sk-live-123", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

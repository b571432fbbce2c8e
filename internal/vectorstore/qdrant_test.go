package vectorstore

import (
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New("plain")))
	assert.True(t, IsTransientError(status.Error(codes.Unavailable, "down")))
	assert.True(t, IsTransientError(status.Error(codes.DeadlineExceeded, "slow")))
	assert.False(t, IsTransientError(status.Error(codes.InvalidArgument, "bad")))
}

func TestPointID_StableForNonUUID(t *testing.T) {
	id := "3f8e2a6c-1b2d-4c5e-9f70-0a1b2c3d4e5f"
	assert.Equal(t, id, pointID(id).GetUuid())
	assert.Equal(t, pointID("legacy-7").GetUuid(), pointID("legacy-7").GetUuid())
	assert.NotEqual(t, pointID("legacy-7").GetUuid(), pointID("legacy-8").GetUuid())
}

func TestBuildFilter(t *testing.T) {
	assert.Nil(t, buildFilter(nil))

	f := buildFilter(map[string]interface{}{OwnerKey: "u1", "rating": 2, "ignored": 1.5})
	require.NotNil(t, f)
	require.Len(t, f.Must, 2)

	byKey := map[string]*qdrant.Match{}
	for _, c := range f.Must {
		field := c.GetField()
		byKey[field.GetKey()] = field.GetMatch()
	}
	assert.Equal(t, "u1", byKey[OwnerKey].GetKeyword())
	assert.Equal(t, int64(2), byKey["rating"].GetInteger())
}

func TestFromPayload(t *testing.T) {
	r := fromPayload(0.9, map[string]*qdrant.Value{
		payloadContentKey: {Kind: &qdrant.Value_StringValue{StringValue: "Q: a\nA: b"}},
		payloadIDKey:      {Kind: &qdrant.Value_StringValue{StringValue: "rec-1"}},
		OwnerKey:          {Kind: &qdrant.Value_StringValue{StringValue: "u1"}},
		"rating":          {Kind: &qdrant.Value_IntegerValue{IntegerValue: 4}},
	})
	assert.Equal(t, "rec-1", r.ID)
	assert.Equal(t, "Q: a\nA: b", r.Content)
	assert.Equal(t, float32(0.9), r.Score)
	assert.Equal(t, "u1", r.Metadata[OwnerKey])
	assert.Equal(t, int64(4), r.Metadata["rating"])
}

func TestQdrantConfig_Validate(t *testing.T) {
	cfg := QdrantConfig{Host: "localhost", Port: 6334, VectorSize: 384}
	cfg.applyDefaults()
	require.NoError(t, cfg.validate())
	assert.Equal(t, qdrant.Distance_Cosine, cfg.Distance)

	cfg.Port = 0
	assert.ErrorIs(t, cfg.validate(), ErrInvalidConfig)
}

package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{
			name:    "overlapping windows keep short tail",
			text:    "One. Two. Three. Four. Five.",
			size:    4,
			overlap: 2,
			want:    []string{"One. Two. Three. Four", "Three. Four. Five", "Five"},
		},
		{
			name:    "fewer sentences than window",
			text:    "Only one sentence",
			size:    4,
			overlap: 2,
			want:    []string{"Only one sentence"},
		},
		{
			name:    "no overlap",
			text:    "A. B. C. D.",
			size:    2,
			overlap: 0,
			want:    []string{"A. B", "C. D"},
		},
		{
			name:    "blank sentences dropped",
			text:    "  A. . \n B.  ..C",
			size:    3,
			overlap: 1,
			want:    []string{"A. B. C", "C"},
		},
		{
			name:    "overlap at size still advances",
			text:    "A. B. C.",
			size:    2,
			overlap: 2,
			want:    []string{"A. B", "B. C", "C"},
		},
		{
			name: "empty text",
			text: " . ",
			size: 4,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Chunk(tt.text, tt.size, tt.overlap))
		})
	}
}

func TestChunkID(t *testing.T) {
	assert.Equal(t, "policy_chunk_3", ChunkID("policy", 3))
}

package memory

import (
	"sort"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
)

func lastTurns(turns []conversation.Turn, n int) []conversation.Turn {
	if len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}

func sortTurns(turns []conversation.Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		if turns[i].CreatedAt.Equal(turns[j].CreatedAt) {
			return turns[i].RecordID < turns[j].RecordID
		}
		return turns[i].CreatedAt.Before(turns[j].CreatedAt)
	})
}

package history

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryStoreBounded(t *testing.T) {
	store := NewMemoryStore(3)
	for i := 0; i < 5; i++ {
		store.Record(Entry{JobID: fmt.Sprintf("job-%d", i), Outcome: "submitted"})
	}

	recent := store.Recent(0)
	assert.Len(t, recent, 3)
	assert.Equal(t, "job-4", recent[0].JobID)
	assert.Equal(t, "job-2", recent[2].JobID)
}

func TestMemoryStoreRecentLimit(t *testing.T) {
	store := NewMemoryStore(10)
	for i := 0; i < 5; i++ {
		store.Record(Entry{JobID: fmt.Sprintf("job-%d", i)})
	}

	recent := store.Recent(2)
	assert.Len(t, recent, 2)
	assert.Equal(t, "job-4", recent[0].JobID)
	assert.False(t, recent[0].At.IsZero())
}

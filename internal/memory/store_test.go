package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/refinery-agent/refinery/internal/reflection"
)

func TestStoreAddGapAndCleanup(t *testing.T) {
	s := NewStore()
	s.Open("sess-1", "compare databases")

	require.NoError(t, s.AddGap("sess-1", reflection.Gap{
		ID:       "gap-1",
		Type:     reflection.GapWeakClaim,
		Severity: reflection.SeverityMajor,
	}))
	require.NoError(t, s.AddGap("sess-1", reflection.Gap{
		ID:       "gap-2",
		Type:     reflection.GapMissingInfo,
		Severity: reflection.SeverityMinor,
	}))

	gaps := s.Gaps("sess-1")
	require.Len(t, gaps, 2)
	require.Equal(t, "gap-1", gaps[0].ID)
	require.Equal(t, "compare databases", s.Goal("sess-1"))

	s.Cleanup("sess-1")
	require.Empty(t, s.Gaps("sess-1"))
	require.Zero(t, s.Len())

	// Cleanup of an unknown session is a no-op.
	s.Cleanup("sess-1")
}

func TestStoreCreatesSessionOnFirstGap(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddGap("late", reflection.Gap{ID: "g"}))
	require.Len(t, s.Gaps("late"), 1)
}

func TestStoreRejectsEmptySessionID(t *testing.T) {
	s := NewStore()
	require.Error(t, s.AddGap("", reflection.Gap{ID: "g"}))
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("sess-%d", n%2)
			for j := 0; j < 50; j++ {
				_ = s.AddGap(id, reflection.Gap{ID: fmt.Sprintf("g-%d-%d", n, j)})
				_ = s.Gaps(id)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 400, len(s.Gaps("sess-0"))+len(s.Gaps("sess-1")))
}

package demand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSparseGetCreatesOnFirstUse(t *testing.T) {
	s := NewSparse(8)
	r := s.Get(42)
	require.NotNil(t, r)
	assert.Equal(t, uint64(42), r.Key)
	assert.Same(t, r, s.Get(42))
}

func TestSparseGrowthPreservesRecordIdentity(t *testing.T) {
	s := NewSparse(4)
	recs := make(map[uint64]*Record)
	for i := uint64(0); i < 64; i++ {
		recs[i] = s.Get(i)
	}

	// Force growth to have happened several times over, then verify every
	// previously-returned pointer is still the one Get hands back — growth
	// must never move a live flow object, only its bucket slot.
	for i := uint64(0); i < 64; i++ {
		assert.Same(t, recs[i], s.Get(i), "key %d's record identity changed after growth", i)
	}
}

func TestSparseForEachVisitsOnlyLiveRecords(t *testing.T) {
	s := NewSparse(4)
	s.Get(1)
	s.Get(2)
	s.Get(3)

	var keys []uint64
	s.ForEach(func(r *Record) { keys = append(keys, r.Key) })
	assert.ElementsMatch(t, []uint64{1, 2, 3}, keys)
}

func TestSparseResetAllRebalancesEveryRecord(t *testing.T) {
	s := NewSparse(4)
	r := s.Get(7)
	r.IncDemand(20)
	require.NoError(t, r.IncAlloc(20))
	require.NoError(t, r.IncUsed(5))

	s.ResetAll()

	assert.Equal(t, uint64(15), r.Demand)
}

package demand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDensePanicsOnNonPowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { NewDense(3) })
}

func TestDenseGetIsDirectIndexing(t *testing.T) {
	d := NewDense(16)
	r := d.Get(5)
	require.NotNil(t, r)
	assert.Equal(t, uint64(5), r.Key)
	assert.Same(t, r, d.Get(5), "repeated Get must return the same record")
}

func TestDenseGetWrapsAroundMask(t *testing.T) {
	d := NewDense(16)
	assert.Same(t, d.Get(0), d.Get(16), "keys differing by the table width alias the same slot")
}

func TestDenseResetAllRebalancesEveryRecord(t *testing.T) {
	d := NewDense(4)
	r := d.Get(1)
	r.IncDemand(10)
	require.NoError(t, r.IncAlloc(10))
	require.NoError(t, r.IncUsed(3))

	d.ResetAll()

	assert.Equal(t, uint64(7), r.Demand)
	assert.Equal(t, uint64(0), r.Alloc)
}

func TestDenseForEachVisitsEverySlot(t *testing.T) {
	d := NewDense(8)
	seen := make(map[uint64]bool)
	d.ForEach(func(r *Record) { seen[r.Key] = true })
	assert.Len(t, seen, 8)
}

package demand

import "fmt"

// Dense is the arbiter's demand table (spec.md §4.C): direct indexing
// into a fixed-size vector of MaxFlows records, MaxFlows a power of two.
// Keys are small integer flow IDs the arbiter itself assigns, so there is
// no hashing or growth to do.
type Dense struct {
	mask uint64
	recs []*Record
}

// NewDense allocates a Dense table of the given width, which must be a
// power of two.
func NewDense(maxFlows uint64) *Dense {
	if maxFlows == 0 || maxFlows&(maxFlows-1) != 0 {
		panic(fmt.Sprintf("demand: maxFlows %d is not a power of two", maxFlows))
	}
	d := &Dense{
		mask: maxFlows - 1,
		recs: make([]*Record, maxFlows),
	}
	for i := range d.recs {
		d.recs[i] = &Record{Key: uint64(i)}
	}
	return d
}

// Get returns the record for key & mask. Every slot already holds a
// Record (allocated in NewDense), so this never allocates.
func (d *Dense) Get(key uint64) *Record {
	return d.recs[key&d.mask]
}

func (d *Dense) ForEach(fn func(*Record)) {
	for _, r := range d.recs {
		fn(r)
	}
}

func (d *Dense) ResetAll() {
	for _, r := range d.recs {
		r.rebalanceOnReset()
	}
}

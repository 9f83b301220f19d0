package demand

// Table is the shared interface over the arbiter's Dense table and the
// endpoint client's Sparse table: both key records by a 64-bit
// destination key (spec.md §3), differing only in how that key maps to
// storage.
type Table interface {
	// Get returns the record for key, creating an all-zero one on first
	// use.
	Get(key uint64) *Record
	// ForEach visits every live record. fn must not call back into the
	// table.
	ForEach(fn func(*Record))
	// ResetAll rebalances every record per spec.md §4.C's reset rule.
	ResetAll()
}

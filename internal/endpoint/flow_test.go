package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowFIFOOrdering(t *testing.T) {
	f := newFlow(1, false)
	f.Enqueue([]byte("a"))
	f.Enqueue([]byte("b"))

	pkt, ok := f.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), pkt)
	assert.Equal(t, 1, f.Len())

	pkt, ok = f.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, []byte("b"), pkt)

	_, ok = f.Dequeue()
	assert.False(t, ok)
}

func TestFlowCreditCanGoNegative(t *testing.T) {
	f := newFlow(1, false)
	v := f.AddCredit(-500)
	assert.Equal(t, int64(-500), v)
	assert.Equal(t, int64(-500), f.CreditValue())
}

func TestDequeueForTimeslotReadsSameFlowStore(t *testing.T) {
	c := newTestClient()
	c.flowFor(FlowKey(5), false).Enqueue([]byte("payload"))

	pkt, ok := c.DequeueForTimeslot(5)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), pkt)
}

package window

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkPresentOutOfWindow(t *testing.T) {
	w := New(16)
	require.NoError(t, w.MarkPresent(1))
	require.ErrorIs(t, w.MarkPresent(0), ErrOutOfWindow)
	require.ErrorIs(t, w.MarkPresent(17), ErrOutOfWindow)
}

// TestAckVectorCollapse mirrors boundary scenario S2: commit seqnos
// 100..107, summarize from base 100, and expect bits 0..7 reflecting which
// of those are present.
func TestAckVectorCollapse(t *testing.T) {
	w := New(1 << 14)
	w.base = 99
	for seq := uint64(101); seq <= 107; seq++ {
		require.NoError(t, w.MarkPresent(seq))
	}

	earliest, ackVec := w.Summary(100)
	require.Equal(t, uint64(100), earliest) // 100 itself still unacked
	require.Equal(t, uint16(0x00FE), ackVec) // bits 1..7 set, bit 0 (seq 100) clear
}

func TestAdvanceReportsFellOff(t *testing.T) {
	w := New(16)
	require.NoError(t, w.MarkPresent(1))
	require.NoError(t, w.MarkPresent(2))

	fellOff := w.Advance(2)
	require.ElementsMatch(t, []uint64{1}, fellOff)
	require.True(t, w.IsPresent(2))
	require.Equal(t, uint64(2), w.Base())
}

func TestAdvanceByFullWidthClearsEverything(t *testing.T) {
	w := New(16)
	for seq := uint64(1); seq <= 16; seq++ {
		require.NoError(t, w.MarkPresent(seq))
	}
	w.Advance(16 + 16)
	for seq := uint64(17); seq <= 32; seq++ {
		require.False(t, w.IsPresent(seq))
	}
}

func TestResetClearsBits(t *testing.T) {
	w := New(16)
	require.NoError(t, w.MarkPresent(1))
	w.Reset(100)
	require.Equal(t, uint64(100), w.Base())
	require.False(t, w.IsPresent(101))
}

package timeline

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopReadyOrder(t *testing.T) {
	t.Parallel()
	tl := &Timeline{}
	tl.Push(Entry{TaskID: 1, DueAt: 30})
	tl.Push(Entry{TaskID: 2, DueAt: 10})
	tl.Push(Entry{TaskID: 3, DueAt: 20})
	tl.Push(Entry{TaskID: 4, DueAt: 10})

	assert.Empty(t, tl.PopReady(5))
	assert.Equal(t, 4, tl.Len())

	got := tl.PopReady(20)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(10), got[0].DueAt)
	assert.Equal(t, uint64(10), got[1].DueAt)
	assert.Equal(t, uint64(20), got[2].DueAt)
	assert.Equal(t, 1, tl.Len())

	// Draining twice with the same now yields nothing.
	assert.Empty(t, tl.PopReady(20))

	got = tl.PopReady(1000)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].TaskID)
	assert.True(t, tl.IsEmpty())
	assert.Nil(t, tl.PopReady(1000))
}

func TestPeek(t *testing.T) {
	t.Parallel()
	var tl Timeline
	_, ok := tl.Peek()
	assert.False(t, ok)

	tl.Push(Entry{TaskID: 9, DueAt: 50})
	tl.Push(Entry{TaskID: 8, DueAt: 40})
	e, ok := tl.Peek()
	require.True(t, ok)
	assert.Equal(t, Entry{TaskID: 8, DueAt: 40}, e)
	assert.Equal(t, 2, tl.Len())
}

func TestEntriesSortedAndRebuildEquivalent(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	tl := &Timeline{}
	for i := 0; i < 200; i++ {
		tl.Push(Entry{TaskID: uint64(i), DueAt: uint64(rng.Intn(50))})
	}
	// Pop a few so the heap array is no longer in insertion order.
	tl.PopReady(5)

	entries := tl.Entries()
	assert.True(t, sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].less(entries[j]) }))
	assert.Equal(t, tl.Len(), len(entries))

	restored := New(entries)
	for now := uint64(0); now <= 50; now += 3 {
		assert.Equal(t, tl.PopReady(now), restored.PopReady(now), "now=%d", now)
	}
	assert.True(t, restored.IsEmpty())
}

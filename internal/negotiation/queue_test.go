package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

func TestCandidateQueue_DrainsOnceInOrder(t *testing.T) {
	q := NewCandidateQueue(4)
	for _, c := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(protocol.Candidate{Candidate: c}))
	}
	require.Equal(t, 3, q.Len())

	got := q.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Candidate)
	assert.Equal(t, "b", got[1].Candidate)
	assert.Equal(t, "c", got[2].Candidate)
	assert.True(t, q.Flushed())

	assert.Nil(t, q.Drain())
	assert.ErrorIs(t, q.Push(protocol.Candidate{Candidate: "d"}), ErrQueueFlushed)
}

func TestCandidateQueue_EmptyDrainIsNoop(t *testing.T) {
	q := NewCandidateQueue(0)
	assert.Empty(t, q.Drain())
	assert.Empty(t, q.Drain())
}

func TestCandidateQueue_Bounded(t *testing.T) {
	q := NewCandidateQueue(1)
	require.NoError(t, q.Push(protocol.Candidate{Candidate: "a"}))
	assert.ErrorIs(t, q.Push(protocol.Candidate{Candidate: "b"}), ErrCandidateQueueFull)
	assert.Equal(t, 1, q.Len())
}

package ptc

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, start SeqNum, capacity int) (*StreamBuffer, *sync.Mutex) {
	t.Helper()
	mu := &sync.Mutex{}
	b, err := NewStreamBuffer(start, capacity, mu)
	require.NoError(t, err)
	return b, mu
}

// TestStreamBufferPutGet verifies in-order storage and extraction
func TestStreamBufferPutGet(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 16)

	require.True(t, b.Empty())
	require.Equal(t, 5, b.Put([]byte("hello")))
	require.Equal(t, 5, b.Len())
	require.Equal(t, 11, b.Free())
	require.Equal(t, SeqNum(105), b.Frontier())

	require.Equal(t, []byte("hel"), b.Get(3))
	require.Equal(t, SeqNum(103), b.Start())
	require.Equal(t, []byte("lo"), b.Get(10))
	require.True(t, b.Empty())
	require.Nil(t, b.Get(10))
	require.Equal(t, SeqNum(105), b.Start())
}

// TestStreamBufferCapacity verifies that bytes beyond the free space are dropped
func TestStreamBufferCapacity(t *testing.T) {
	b, _ := newTestBuffer(t, 0, 4)

	require.Equal(t, 4, b.Put([]byte("abcdef")))
	require.Equal(t, 0, b.Free())
	require.Equal(t, 0, b.Put([]byte("g")))
	require.Equal(t, []byte("abcd"), b.Get(10))
	require.Equal(t, 4, b.Free())
}

// TestStreamBufferOutOfOrder verifies reassembly of chunks arriving out of order
func TestStreamBufferOutOfOrder(t *testing.T) {
	tests := []struct {
		name   string
		start  SeqNum
		chunks []struct {
			pos   SeqNum
			data  string
			delta int
		}
		want string
	}{
		{
			name:  "second chunk first",
			start: 100,
			chunks: []struct {
				pos   SeqNum
				data  string
				delta int
			}{
				{105, "fghij", 0},
				{100, "abcde", 10},
			},
			want: "abcdefghij",
		},
		{
			name:  "three chunks reversed",
			start: 0,
			chunks: []struct {
				pos   SeqNum
				data  string
				delta int
			}{
				{6, "gh", 0},
				{3, "def", 0},
				{0, "abc", 8},
			},
			want: "abcdefgh",
		},
		{
			name:  "overlapping retransmission",
			start: 100,
			chunks: []struct {
				pos   SeqNum
				data  string
				delta int
			}{
				{100, "abc", 3},
				{101, "bcdef", 3},
				{100, "ab", 0},
			},
			want: "abcdef",
		},
		{
			name:  "across the wrap",
			start: 0xFFFFFFFE,
			chunks: []struct {
				pos   SeqNum
				data  string
				delta int
			}{
				{1, "de", 0},
				{0xFFFFFFFE, "abc", 5},
			},
			want: "abcde",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBuffer(t, tt.start, 64)
			for _, c := range tt.chunks {
				assert.Equal(t, c.delta, b.AddChunk(c.pos, []byte(c.data)), "chunk at %d", c.pos)
			}
			assert.Equal(t, 0, b.Pending())
			assert.Equal(t, tt.want, string(b.Get(64)))
		})
	}
}

// TestStreamBufferPendingReplacement verifies that a held chunk is only
// replaced by a longer one at the same position
func TestStreamBufferPendingReplacement(t *testing.T) {
	b, _ := newTestBuffer(t, 0, 64)

	require.Equal(t, 0, b.AddChunk(2, []byte("cdef")))
	require.Equal(t, 0, b.AddChunk(2, []byte("XY")))
	require.Equal(t, 1, b.Pending())
	require.Equal(t, 6, b.AddChunk(0, []byte("ab")))
	require.Equal(t, "abcdef", string(b.Get(64)))

	require.Equal(t, 0, b.AddChunk(8, []byte("i")))
	require.Equal(t, 0, b.AddChunk(8, []byte("ij")))
	require.Equal(t, 4, b.AddChunk(6, []byte("gh")))
	require.Equal(t, "ghij", string(b.Get(64)))
}

// TestStreamBufferEnd verifies that readers drain data before seeing EOF or the end error
func TestStreamBufferEnd(t *testing.T) {
	t.Run("graceful", func(t *testing.T) {
		b, mu := newTestBuffer(t, 0, 16)
		mu.Lock()
		defer mu.Unlock()

		b.Put([]byte("xy"))
		b.End(nil)
		require.True(t, b.Ended())

		data, err := b.Read(16, time.Time{})
		require.NoError(t, err)
		require.Equal(t, []byte("xy"), data)

		_, err = b.Read(16, time.Time{})
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("aborted", func(t *testing.T) {
		b, mu := newTestBuffer(t, 0, 16)
		mu.Lock()
		defer mu.Unlock()

		b.End(ErrConnectionAborted)
		_, err := b.Read(16, time.Time{})
		require.ErrorIs(t, err, ErrConnectionAborted)
		require.ErrorIs(t, b.WaitFree(time.Time{}), ErrConnectionAborted)
	})
}

// TestStreamBufferReadDeadline verifies that Read gives up once the deadline passes
func TestStreamBufferReadDeadline(t *testing.T) {
	b, mu := newTestBuffer(t, 0, 16)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	_, err := b.Read(16, start.Add(30*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr))
	require.True(t, netErr.Timeout())
}

// TestStreamBufferReadBlocks verifies that a blocked Read wakes on new data
func TestStreamBufferReadBlocks(t *testing.T) {
	b, mu := newTestBuffer(t, 0, 16)

	result := make(chan []byte, 1)
	go func() {
		mu.Lock()
		defer mu.Unlock()
		data, err := b.Read(16, time.Now().Add(2*time.Second))
		if err != nil {
			result <- nil
			return
		}
		result <- data
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	b.Put([]byte("ping"))
	mu.Unlock()

	select {
	case data := <-result:
		require.Equal(t, []byte("ping"), data)
	case <-time.After(time.Second):
		t.Fatal("Read did not wake up")
	}
}

// TestStreamBufferFlush verifies that Flush discards contiguous and pending data
func TestStreamBufferFlush(t *testing.T) {
	b, _ := newTestBuffer(t, 10, 16)

	b.Put([]byte("abc"))
	b.AddChunk(20, []byte("zz"))
	require.Equal(t, 1, b.Pending())

	b.Flush()
	require.True(t, b.Empty())
	require.Equal(t, 0, b.Pending())
	require.Equal(t, SeqNum(13), b.Start())
	require.Equal(t, 16, b.Free())
}

package pool

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := NewQueue()
	done := make(chan []string)
	go func() {
		var got []string
		for {
			b, ok := q.Pop()
			if !ok {
				done <- got
				return
			}
			got = append(got, string(b))
		}
	}()

	var want []string
	for i := 0; i < 1000; i++ {
		s := fmt.Sprint(i)
		want = append(want, s)
		require.True(t, q.Push([]byte(s)))
	}
	q.Close()

	select {
	case got := <-done:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := NewQueue()
	q.Push([]byte("a"))
	q.Close()
	require.False(t, q.Push([]byte("b")))

	b, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "a", string(b))
	_, ok = q.Pop()
	require.False(t, ok)
}

func TestQueueDiscard(t *testing.T) {
	q := NewQueue()
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Discard()
	require.Equal(t, 0, q.Len())
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestBuffer(t *testing.T) {
	b := GetBuffer()
	require.Len(t, *b, BufferSize)
	*b = (*b)[:10]
	PutBuffer(b)
	PutBuffer(nil)
}

package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewNode_RejectsOutOfRange(t *testing.T) {
	req := require.New(t)

	_, err := NewNode(-1)
	req.Error(err)
	_, err = NewNode(1024)
	req.Error(err)

	n, err := NewNode(1023)
	req.NoError(err)
	req.NotNil(n)
}

func TestGenerate_IsStrictlyIncreasing(t *testing.T) {
	req := require.New(t)
	n, err := NewNode(7)
	req.NoError(err)

	// Given a frozen clock, the sequence has to carry ordering
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	n.now = func() int64 { return frozen }

	prev := n.Generate()
	for i := 0; i < 1000; i++ {
		id := n.Generate()
		req.Greater(id, prev)
		prev = id
	}
	req.Equal(frozen, Time(prev).UnixMilli())
}

func TestGenerate_ClockMovesBackwards(t *testing.T) {
	req := require.New(t)
	n, err := NewNode(1)
	req.NoError(err)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	n.now = func() int64 { return clock }
	first := n.Generate()

	clock -= 5000
	second := n.Generate()

	req.Greater(second, first)
}

func TestGenerate_Concurrent(t *testing.T) {
	req := require.New(t)
	n, err := NewNode(3)
	req.NoError(err)

	const workers, perWorker = 8, 500
	ids := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- n.Generate()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, workers*perWorker)
	for id := range ids {
		seen[id] = struct{}{}
	}
	req.Len(seen, workers*perWorker)
}

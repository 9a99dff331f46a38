package comm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rendersync/internal/codec"
)

// runRanks runs fn once per rank of a fresh world and waits for all of them.
func runRanks(t *testing.T, size int, fn func(ctx context.Context, c Comm) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := NewWorld(size)
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		c := w.Comm(rank)
		g.Go(func() error { return fn(ctx, c) })
	}
	require.NoError(t, g.Wait())
}

func TestSendRecv(t *testing.T) {
	runRanks(t, 2, func(ctx context.Context, c Comm) error {
		if c.Rank() == 0 {
			data := []byte("ping")
			if err := c.Send(ctx, 1, TagUser, data); err != nil {
				return err
			}
			data[0] = 'X'
			return nil
		}
		got, err := c.Recv(ctx, 0, TagUser)
		if err != nil {
			return err
		}
		if string(got) != "ping" {
			return fmt.Errorf("got %q", got)
		}
		return nil
	})
}

func TestGather(t *testing.T) {
	for _, size := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("size %d", size), func(t *testing.T) {
			results := make([]codec.Buffer, size)
			runRanks(t, size, func(ctx context.Context, c Comm) error {
				b, err := c.Gather(ctx, Root, []byte(fmt.Sprintf("r%d", c.Rank())))
				results[c.Rank()] = b
				return err
			})
			root := results[Root]
			require.NoError(t, root.Validate())
			require.Equal(t, size, root.Pieces())
			for r := 0; r < size; r++ {
				assert.Equal(t, fmt.Sprintf("r%d", r), string(root.Piece(r)))
			}
			for r := 1; r < size; r++ {
				assert.Equal(t, 0, results[r].Pieces())
			}
		})
	}
}

func TestGatherToNonZeroRoot(t *testing.T) {
	results := make([]codec.Buffer, 3)
	runRanks(t, 3, func(ctx context.Context, c Comm) error {
		b, err := c.Gather(ctx, 2, []byte{byte(c.Rank())})
		results[c.Rank()] = b
		return err
	})
	assert.Equal(t, []byte{0, 1, 2}, results[2].Data)
}

func TestAllGather(t *testing.T) {
	const size = 4
	results := make([]codec.Buffer, size)
	runRanks(t, size, func(ctx context.Context, c Comm) error {
		payload := make([]byte, c.Rank()) // rank 0 contributes an empty piece
		for i := range payload {
			payload[i] = byte(c.Rank())
		}
		b, err := c.AllGather(ctx, payload)
		results[c.Rank()] = b
		return err
	})
	for r := 0; r < size; r++ {
		require.Equal(t, size, results[r].Pieces(), "rank %d", r)
		assert.Equal(t, []int{0, 1, 2, 3}, results[r].Lengths)
		assert.Equal(t, []byte{1, 2, 2, 3, 3, 3}, results[r].Data)
	}
}

func TestBroadcast(t *testing.T) {
	const size = 3
	got := make([]string, size)
	runRanks(t, size, func(ctx context.Context, c Comm) error {
		var data []byte
		if c.Rank() == 1 {
			data = []byte("layout")
		}
		b, err := c.Broadcast(ctx, 1, data)
		got[c.Rank()] = string(b)
		return err
	})
	assert.Equal(t, []string{"layout", "layout", "layout"}, got)
}

func TestBarrierAndAgree(t *testing.T) {
	runRanks(t, 4, func(ctx context.Context, c Comm) error {
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		return c.Agree(ctx, "frame 1 pass update")
	})
}

func TestAgreeDetectsDesync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := NewWorld(2)
	errs := make(chan error, 2)
	for rank := 0; rank < 2; rank++ {
		c := w.Comm(rank)
		go func() {
			errs <- c.Agree(ctx, fmt.Sprintf("frame %d", c.Rank()))
		}()
	}
	var desync int
	for i := 0; i < 2; i++ {
		if err := <-errs; errors.Is(err, ErrDesync) {
			desync++
		}
	}
	assert.Equal(t, 2, desync)
}

func TestMismatchedCollectivesDetected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := NewWorld(2)
	leaf := w.Comm(1)
	go func() {
		_, _ = leaf.Broadcast(ctx, 1, []byte("oops"))
	}()
	b, err := w.Comm(0).Gather(ctx, Root, nil)
	_ = b
	assert.True(t, errors.Is(err, ErrDesync))
}

func TestRecvHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewWorld(2).Comm(0).Recv(ctx, 1, TagUser)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRankChecks(t *testing.T) {
	c := NewWorld(2).Comm(0)
	assert.True(t, errors.Is(c.Send(context.Background(), 5, TagUser, nil), ErrRank))
	_, err := c.Recv(context.Background(), -1, TagUser)
	assert.True(t, errors.Is(err, ErrRank))
}

func TestSingle(t *testing.T) {
	c := Single()
	ctx := context.Background()
	assert.Equal(t, 1, c.Size())
	require.NoError(t, c.Barrier(ctx))
	require.NoError(t, c.Agree(ctx, "anything"))
	b, err := c.Gather(ctx, Root, []byte("solo"))
	require.NoError(t, err)
	assert.Equal(t, []byte("solo"), b.Piece(0))
	all, err := c.AllGather(ctx, []byte("solo"))
	require.NoError(t, err)
	assert.Equal(t, 1, all.Pieces())
}

func TestTraffic(t *testing.T) {
	w := NewWorld(2)
	require.NoError(t, w.Comm(0).Send(context.Background(), 1, TagUser, []byte("abc")))
	messages, bytes := w.Traffic()
	assert.Equal(t, uint64(1), messages)
	assert.Equal(t, uint64(3), bytes)
}

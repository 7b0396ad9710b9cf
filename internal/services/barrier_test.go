package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/mediaflow/internal/models"
)

func barrierFactories(t *testing.T) map[string]func() Barrier {
	return map[string]func() Barrier{
		"memory": func() Barrier { return NewMemoryBarrier() },
		"redis": func() Barrier {
			mr := miniredis.RunT(t)
			b := NewRedisBarrier(mr.Addr(), time.Hour)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func response(correlationID string, size int) models.WorkResponse {
	return models.WorkResponse{CorrelationID: correlationID, SplitSize: size, JobID: "job"}
}

func TestBarrier_FiresOnceInOrder(t *testing.T) {
	ctx := context.Background()
	for name, factory := range barrierFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			for i := 1; i <= 3; i++ {
				count, complete, err := b.Record(ctx, response("job:a", 3))
				require.NoError(t, err)
				assert.Equal(t, i, count)
				assert.Equal(t, i == 3, complete)
			}

			count, complete, err := b.Record(ctx, response("job:a", 3))
			require.NoError(t, err)
			assert.False(t, complete, "late arrivals never re-fire")
			assert.LessOrEqual(t, count, 3)
		})
	}
}

func TestBarrier_SingleUnitSplit(t *testing.T) {
	ctx := context.Background()
	for name, factory := range barrierFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			count, complete, err := b.Record(ctx, models.WorkResponse{CorrelationID: "job:empty", SplitSize: 1, EmptySplit: true})
			require.NoError(t, err)
			assert.Equal(t, 1, count)
			assert.True(t, complete)
		})
	}
}

func TestBarrier_ExactlyOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	for name, factory := range barrierFactories(t) {
		for _, size := range []int{1, 2, 17, 200} {
			t.Run(fmt.Sprintf("%s/%d", name, size), func(t *testing.T) {
				b := factory()
				var fired atomic.Int32
				var maxCount atomic.Int64
				var wg sync.WaitGroup

				for i := 0; i < size; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						count, complete, err := b.Record(ctx, response("job:c", size))
						assert.NoError(t, err)
						if complete {
							fired.Add(1)
						}
						for {
							cur := maxCount.Load()
							if int64(count) <= cur || maxCount.CompareAndSwap(cur, int64(count)) {
								break
							}
						}
					}()
				}
				wg.Wait()

				assert.Equal(t, int32(1), fired.Load())
				assert.Equal(t, int64(size), maxCount.Load())
			})
		}
	}
}

func TestBarrier_IndependentCorrelationIDs(t *testing.T) {
	ctx := context.Background()
	for name, factory := range barrierFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			_, completeA, err := b.Record(ctx, response("job:a", 2))
			require.NoError(t, err)
			_, completeB, err := b.Record(ctx, response("job:b", 1))
			require.NoError(t, err)
			assert.False(t, completeA)
			assert.True(t, completeB)
		})
	}
}

func TestBarrier_ClearJob(t *testing.T) {
	ctx := context.Background()
	for name, factory := range barrierFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			_, _, err := b.Record(ctx, response("job1:a", 2))
			require.NoError(t, err)
			_, _, err = b.Record(ctx, response("job2:a", 2))
			require.NoError(t, err)

			require.NoError(t, b.ClearJob(ctx, "job1"))
			require.NoError(t, b.ClearJob(ctx, "job1"))

			count, complete, err := b.Record(ctx, response("job1:a", 2))
			require.NoError(t, err)
			assert.Equal(t, 1, count, "cleared counters start over")
			assert.False(t, complete)

			count, complete, err = b.Record(ctx, response("job2:a", 2))
			require.NoError(t, err)
			assert.Equal(t, 2, count)
			assert.True(t, complete)
		})
	}
}

func TestMemoryBarrier_Tombstones(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBarrier()

	_, _, _ = b.Record(ctx, response("job:a", 2))
	assert.Equal(t, 1, b.Pending())
	_, complete, _ := b.Record(ctx, response("job:a", 2))
	assert.True(t, complete)
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, 1, b.Tracked())

	require.NoError(t, b.ClearJob(ctx, "job"))
	assert.Equal(t, 0, b.Tracked())
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name                         string
		done, count, expected, total int
		want                         float64
	}{
		{"start", 0, 0, 4, 2, 0},
		{"half of first task", 0, 2, 4, 2, 25},
		{"first task done", 1, 0, 1, 2, 50},
		{"last response of last task is capped", 1, 4, 4, 2, 99},
		{"single task single unit", 0, 1, 1, 1, 99},
		{"no tasks", 0, 1, 1, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProgressPercent(tt.done, tt.count, tt.expected, tt.total)
			assert.InDelta(t, tt.want, got, 0.001)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 99.0)
		})
	}
}

package training

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-histocv/tensor"
)

// constDataset returns images filled with their index and label idx%classes.
type constDataset struct {
	n       int
	classes int
	shape   []int
	fail    int
}

func (d *constDataset) Len() int { return d.n }

func (d *constDataset) Get(idx int) (*tensor.Tensor, int, error) {
	if idx == d.fail {
		return nil, 0, fmt.Errorf("corrupt sample %d", idx)
	}
	img, err := tensor.Full(d.shape, float32(idx), tensor.Float32)
	if err != nil {
		return nil, 0, err
	}
	return img, idx % d.classes, nil
}

func (d *constDataset) SampleID(idx int) string { return fmt.Sprintf("s%03d", idx) }

// countingDataset records how many samples have been read.
type countingDataset struct {
	*constDataset
	reads atomic.Int64
}

func (d *countingDataset) Get(idx int) (*tensor.Tensor, int, error) {
	d.reads.Add(1)
	return d.constDataset.Get(idx)
}

func newConstDataset(n int) *constDataset {
	return &constDataset{n: n, classes: 4, shape: []int{1, 2, 2}, fail: -1}
}

func collect(t *testing.T, dl *DataLoader) (indices []int, sizes []int) {
	t.Helper()
	err := dl.Iterate(context.Background(), func(b *Batch) error {
		sizes = append(sizes, b.Size())
		for i, idx := range b.Indices {
			assert.Equal(t, float32(idx), b.Images.Data.([]float32)[i*4])
			assert.Equal(t, fmt.Sprintf("s%03d", idx), b.SampleIDs[i])
			assert.Equal(t, idx%4, b.Labels[i])
		}
		indices = append(indices, b.Indices...)
		return nil
	})
	require.NoError(t, err)
	return indices, sizes
}

func TestDataLoaderSubset(t *testing.T) {
	ds := newConstDataset(20)
	subset := []int{3, 5, 7, 11, 13, 17, 19}

	dl, err := NewDataLoader(ds, subset, LoaderConfig{BatchSize: 3, Workers: 2, Prefetch: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, dl.Len())
	assert.Equal(t, 7, dl.NumSamples())

	indices, sizes := collect(t, dl)
	assert.Equal(t, subset, indices, "without shuffling the subset order is kept")
	assert.Equal(t, []int{3, 3, 1}, sizes)
}

func TestDataLoaderShuffleIsSeededAndComplete(t *testing.T) {
	ds := newConstDataset(30)
	cfg := LoaderConfig{BatchSize: 8, Shuffle: true, Workers: 3, Prefetch: 2, Seed: 42}

	a, err := NewDataLoader(ds, nil, cfg)
	require.NoError(t, err)
	b, err := NewDataLoader(ds, nil, cfg)
	require.NoError(t, err)

	first, _ := collect(t, a)
	second, _ := collect(t, b)
	assert.Equal(t, first, second)

	sorted := append([]int(nil), first...)
	sort.Ints(sorted)
	for i, v := range sorted {
		assert.Equal(t, i, v)
	}

	// A second epoch draws a new order over the same samples.
	again, _ := collect(t, a)
	assert.NotEqual(t, first, again)
	assert.ElementsMatch(t, first, again)
}

func TestDataLoaderErrors(t *testing.T) {
	ds := newConstDataset(5)

	_, err := NewDataLoader(ds, []int{}, LoaderConfig{BatchSize: 2})
	assert.True(t, errors.Is(err, ErrEmptyLoader))

	_, err = NewDataLoader(ds, []int{0, 5}, LoaderConfig{BatchSize: 2})
	require.Error(t, err)

	_, err = NewDataLoader(ds, nil, LoaderConfig{})
	require.Error(t, err)

	ds.fail = 3
	dl, err := NewDataLoader(ds, nil, LoaderConfig{BatchSize: 2, Prefetch: 1})
	require.NoError(t, err)
	err = dl.Iterate(context.Background(), func(*Batch) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt sample 3")
}

func TestDataLoaderStopsOnCallbackError(t *testing.T) {
	dl, err := NewDataLoader(newConstDataset(40), nil, LoaderConfig{BatchSize: 2, Prefetch: 4})
	require.NoError(t, err)

	stop := errors.New("stop")
	calls := 0
	err = dl.Iterate(context.Background(), func(*Batch) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = dl.Iterate(ctx, func(*Batch) error { return nil })
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestDataLoaderProducerStopsBeforeIterateReturns(t *testing.T) {
	ds := &countingDataset{constDataset: newConstDataset(400)}
	dl, err := NewDataLoader(ds, nil, LoaderConfig{BatchSize: 2, Prefetch: 2})
	require.NoError(t, err)

	stop := errors.New("stop")
	for round := 0; round < 20; round++ {
		err = dl.Iterate(context.Background(), func(*Batch) error { return stop })
		require.Equal(t, stop, err)

		reads := ds.reads.Load()
		// one consumed batch, a full buffer and at most one batch in flight
		assert.LessOrEqual(t, reads, int64(2*(1+2+1)))
		time.Sleep(time.Millisecond)
		assert.Equal(t, reads, ds.reads.Load(), "round %d", round)

		dl.Reset()
		assert.True(t, dl.HasNext())
		ds.reads.Store(0)
	}
}

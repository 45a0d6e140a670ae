package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/tensor"
)

// ErrEmptyLoader is returned when a loader is built over zero samples.
var ErrEmptyLoader = errors.New("data loader has no samples")

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                 // Total number of samples
	Get(idx int) (image *tensor.Tensor, label int, err error) // One sample, image laid out [C, H, W]
}

// IdentifiedDataset is a Dataset whose samples carry stable identifiers.
type IdentifiedDataset interface {
	Dataset
	SampleID(idx int) string
}

// LoaderConfig controls batching and parallel loading.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Workers   int   // Goroutines decoding samples within a batch
	Prefetch  int   // Batches prepared ahead of the consumer
	Seed      int64 // Shuffle seed
}

// DataLoader batches a subset of a dataset. The subset is fixed at
// construction, so a fold's loader can never see samples outside its fold.
type DataLoader struct {
	dataset  Dataset
	indices  []int
	order    []int
	config   LoaderConfig
	rng      *rand.Rand
	position int
	mutex    sync.Mutex
}

// Batch represents a batch of images and labels. Indices are positions in
// the underlying dataset.
type Batch struct {
	Images    *tensor.Tensor // [B, C, H, W]
	Labels    []int
	Indices   []int
	SampleIDs []string
}

func (b *Batch) Size() int { return len(b.Labels) }

// NewDataLoader creates a loader over the given dataset indices. A nil
// index list selects the whole dataset.
func NewDataLoader(dataset Dataset, indices []int, config LoaderConfig) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Prefetch < 0 {
		config.Prefetch = 0
	}

	n := dataset.Len()
	if indices == nil {
		indices = make([]int, n)
		for i := range indices {
			indices[i] = i
		}
	}
	if len(indices) == 0 {
		return nil, ErrEmptyLoader
	}
	owned := make([]int, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, errors.Errorf("index %d out of range for dataset of %d samples", idx, n)
		}
		owned[i] = idx
	}

	dl := &DataLoader{
		dataset: dataset,
		indices: owned,
		order:   make([]int, len(owned)),
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
	}
	copy(dl.order, owned)
	return dl, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// NumSamples returns the number of samples in an epoch
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// Reset rewinds the loader and, when shuffling, draws a new order
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	copy(dl.order, dl.indices)
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(dl.order), func(i, j int) {
			dl.order[i], dl.order[j] = dl.order[j], dl.order[i]
		})
	}
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.order)
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	if dl.position >= len(dl.order) {
		dl.mutex.Unlock()
		return nil, nil
	}
	end := dl.position + dl.config.BatchSize
	if end > len(dl.order) {
		end = len(dl.order)
	}
	batchIndices := make([]int, end-dl.position)
	copy(batchIndices, dl.order[dl.position:end])
	dl.position = end
	dl.mutex.Unlock()

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}
	return batch, nil
}

// Iterate resets the loader and calls fn for every batch of the epoch,
// preparing up to Prefetch batches in the background. The background
// producer has stopped by the time Iterate returns.
func (dl *DataLoader) Iterate(ctx context.Context, fn func(*Batch) error) error {
	dl.Reset()

	type result struct {
		batch *Batch
		err   error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, dl.config.Prefetch)
	go func() {
		defer close(results)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			batch, err := dl.Next()
			if batch == nil && err == nil {
				return
			}
			select {
			case results <- result{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		for range results {
		}
	}()

	for r := range results {
		if r.err != nil {
			return r.err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.batch); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// loadBatch decodes samples with the configured number of workers and
// stacks them into a single [B, C, H, W] tensor.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	images := make([]*tensor.Tensor, len(indices))
	labels := make([]int, len(indices))
	errs := make([]error, len(indices))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < dl.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				images[i], labels[i], errs[i] = dl.dataset.Get(indices[i])
			}
		}()
	}
	for i := range indices {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", indices[i], err)
		}
	}

	stacked, err := stackImages(images)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Images: stacked, Labels: labels, Indices: indices}
	if ids, ok := dl.dataset.(IdentifiedDataset); ok {
		batch.SampleIDs = make([]string, len(indices))
		for i, idx := range indices {
			batch.SampleIDs[i] = ids.SampleID(idx)
		}
	}
	return batch, nil
}

func stackImages(images []*tensor.Tensor) (*tensor.Tensor, error) {
	first := images[0]
	per := first.NumElems
	data := make([]float32, 0, per*len(images))
	for i, img := range images {
		if len(img.Shape) != len(first.Shape) || img.NumElems != per {
			return nil, fmt.Errorf("sample %d has shape %v, expected %v", i, img.Shape, first.Shape)
		}
		d, err := img.Float32Data()
		if err != nil {
			return nil, err
		}
		data = append(data, d...)
	}
	shape := append([]int{len(images)}, first.Shape...)
	return tensor.NewTensor(shape, tensor.Float32, data)
}

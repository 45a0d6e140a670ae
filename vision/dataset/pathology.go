package dataset

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/tensor"
	"github.com/tsawler/go-histocv/vision/preprocessing"
)

// ErrViewsDesynchronized is returned when two views of the same data
// disagree on an id or label at some position.
var ErrViewsDesynchronized = errors.New("dataset views are not synchronized")

// ViewOptions configures one view over the samples.
type ViewOptions struct {
	Shuffle   bool  // permute the sample order once, at construction
	Seed      int64 // seeds the shuffle and the transform's randomness
	Transform preprocessing.Transform
}

// PathologyDataset is an ordered view over labeled images with its own
// transform. Several views may share one image source; a training view
// augments while a validation view does not, and fold indices address both
// views only after SyncFrom has aligned them.
type PathologyDataset struct {
	ids       []string
	labels    []int
	source    ImageSource
	transform preprocessing.Transform

	mu  sync.Mutex
	rng *rand.Rand
}

// NewView builds a view over samples.
func NewView(samples []Sample, source ImageSource, opts ViewOptions) (*PathologyDataset, error) {
	if len(samples) == 0 {
		return nil, errors.New("dataset view needs at least one sample")
	}
	if source == nil || opts.Transform == nil {
		return nil, errors.New("dataset view needs an image source and a transform")
	}
	d := &PathologyDataset{
		ids:       make([]string, len(samples)),
		labels:    make([]int, len(samples)),
		source:    source,
		transform: opts.Transform,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}
	for i, s := range samples {
		if s.Label < 0 || s.Label >= NumClasses {
			return nil, errors.Wrapf(ErrUnknownClass, "sample %s has label %d", s.ID, s.Label)
		}
		d.ids[i] = s.ID
		d.labels[i] = s.Label
	}
	if opts.Shuffle {
		d.rng.Shuffle(len(d.ids), func(i, j int) {
			d.ids[i], d.ids[j] = d.ids[j], d.ids[i]
			d.labels[i], d.labels[j] = d.labels[j], d.labels[i]
		})
	}
	return d, nil
}

// LoadView reads the ground truth at csvPath and builds a view over it.
func LoadView(csvPath string, source ImageSource, opts ViewOptions) (*PathologyDataset, error) {
	samples, err := ReadGroundTruthFile(csvPath)
	if err != nil {
		return nil, err
	}
	return NewView(samples, source, opts)
}

func (d *PathologyDataset) Len() int { return len(d.ids) }

// Get loads, transforms and returns sample idx as a [3, S, S] tensor.
// It is safe for concurrent use.
func (d *PathologyDataset) Get(idx int) (*tensor.Tensor, int, error) {
	if idx < 0 || idx >= len(d.ids) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.ids))
	}
	img, err := d.source.Load(d.ids[idx])
	if err != nil {
		return nil, 0, err
	}
	d.mu.Lock()
	seed := d.rng.Int63()
	d.mu.Unlock()
	x, err := d.transform.Apply(img, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "sample %s", d.ids[idx])
	}
	return x, d.labels[idx], nil
}

func (d *PathologyDataset) SampleID(idx int) string { return d.ids[idx] }

// IDs returns a copy of the ids in view order.
func (d *PathologyDataset) IDs() []string { return append([]string(nil), d.ids...) }

// Labels returns a copy of the labels in view order.
func (d *PathologyDataset) Labels() []int { return append([]int(nil), d.labels...) }

// Transform returns the view's transform.
func (d *PathologyDataset) Transform() preprocessing.Transform { return d.transform }

// SyncFrom copies src's id and label order into d. The copy is by value, so
// later changes to either view do not leak into the other.
func (d *PathologyDataset) SyncFrom(src *PathologyDataset) {
	d.ids = append([]string(nil), src.ids...)
	d.labels = append([]int(nil), src.labels...)
}

// VerifyAligned compares two views position by position.
func VerifyAligned(a, b *PathologyDataset) error {
	if len(a.ids) != len(b.ids) {
		return errors.Wrapf(ErrViewsDesynchronized, "lengths %d and %d", len(a.ids), len(b.ids))
	}
	for i := range a.ids {
		if a.ids[i] != b.ids[i] || a.labels[i] != b.labels[i] {
			return errors.Wrapf(ErrViewsDesynchronized, "position %d: %s/%d vs %s/%d",
				i, a.ids[i], a.labels[i], b.ids[i], b.labels[i])
		}
	}
	return nil
}

// ClassDistribution returns the distribution of samples per class
func (d *PathologyDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[ClassName(label)]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *PathologyDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("PathologyDataset: %d samples, %d classes\n", len(d.ids), NumClasses))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range ClassNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}
	return sb.String()
}

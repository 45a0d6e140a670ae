// Package crossval runs k-fold cross-validation of the histopathology
// classifiers.
package crossval

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrTooFewFolds is returned for K < 2.
	ErrTooFewFolds = errors.New("cross-validation needs at least two folds")
	// ErrEmptyFold is returned when a split would leave a validation
	// partition with no samples.
	ErrEmptyFold = errors.New("fold has an empty validation partition")
	// ErrInvalidFold is returned by Fold.Validate.
	ErrInvalidFold = errors.New("invalid fold")
)

// Fold is one train/validation partition of the dataset positions.
type Fold struct {
	Index int
	Train []int
	Val   []int
}

// Validate checks that the partition is disjoint, covers [0, n) and has
// samples on both sides.
func (f Fold) Validate(n int) error {
	if len(f.Val) == 0 {
		return errors.Wrapf(ErrEmptyFold, "fold %d", f.Index)
	}
	if len(f.Train) == 0 {
		return errors.Wrapf(ErrInvalidFold, "fold %d has no training samples", f.Index)
	}
	if len(f.Train)+len(f.Val) != n {
		return errors.Wrapf(ErrInvalidFold, "fold %d covers %d of %d samples", f.Index, len(f.Train)+len(f.Val), n)
	}
	seen := make([]bool, n)
	for _, part := range [][]int{f.Train, f.Val} {
		for _, idx := range part {
			if idx < 0 || idx >= n {
				return errors.Wrapf(ErrInvalidFold, "fold %d has index %d outside [0, %d)", f.Index, idx, n)
			}
			if seen[idx] {
				return errors.Wrapf(ErrInvalidFold, "fold %d uses index %d twice", f.Index, idx)
			}
			seen[idx] = true
		}
	}
	return nil
}

// Splitter partitions dataset positions into folds. labels[i] is the class
// of position i.
type Splitter interface {
	Split(labels []int) ([]Fold, error)
}

// KFold cuts the (optionally shuffled) positions into K contiguous chunks
// whose sizes differ by at most one. Each chunk is the validation set of
// one fold, so validation sets never overlap.
type KFold struct {
	K       int
	Shuffle bool
	Seed    int64
}

func (k KFold) Split(labels []int) ([]Fold, error) {
	n := len(labels)
	if err := checkK(k.K, n); err != nil {
		return nil, err
	}
	order := identity(n)
	if k.Shuffle {
		rand.New(rand.NewSource(k.Seed)).Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	assign := make([]int, n)
	start := 0
	for f := 0; f < k.K; f++ {
		size := n / k.K
		if f < n%k.K {
			size++
		}
		for _, idx := range order[start : start+size] {
			assign[idx] = f
		}
		start += size
	}
	return buildFolds(assign, k.K)
}

// StratifiedKFold deals the positions of each class round-robin over the
// folds, so every fold holds each class in proportion.
type StratifiedKFold struct {
	K       int
	Shuffle bool
	Seed    int64
}

func (s StratifiedKFold) Split(labels []int) ([]Fold, error) {
	n := len(labels)
	if err := checkK(s.K, n); err != nil {
		return nil, err
	}
	byClass := make(map[int][]int)
	var classes []int
	for i, l := range labels {
		if _, ok := byClass[l]; !ok {
			classes = append(classes, l)
		}
		byClass[l] = append(byClass[l], i)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewSource(s.Seed))
	assign := make([]int, n)
	next := 0
	for _, c := range classes {
		members := byClass[c]
		if s.Shuffle {
			rng.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
		}
		for _, idx := range members {
			assign[idx] = next % s.K
			next++
		}
	}
	return buildFolds(assign, s.K)
}

func checkK(k, n int) error {
	if k < 2 {
		return errors.Wrapf(ErrTooFewFolds, "k=%d", k)
	}
	if k > n {
		return errors.Wrapf(ErrEmptyFold, "k=%d exceeds %d samples", k, n)
	}
	return nil
}

func identity(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// buildFolds turns a position→fold assignment into folds with sorted index
// lists.
func buildFolds(assign []int, k int) ([]Fold, error) {
	folds := make([]Fold, k)
	for f := range folds {
		folds[f].Index = f
	}
	for idx, f := range assign {
		for g := range folds {
			if g == f {
				folds[g].Val = append(folds[g].Val, idx)
			} else {
				folds[g].Train = append(folds[g].Train, idx)
			}
		}
	}
	for _, f := range folds {
		if err := f.Validate(len(assign)); err != nil {
			return nil, err
		}
	}
	return folds, nil
}

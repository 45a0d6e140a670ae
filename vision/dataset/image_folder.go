package dataset

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-histocv/vision/preprocessing"
)

// ErrImageNotFound is returned when a source has no image for an id.
var ErrImageNotFound = errors.New("image not found")

// ImageSource loads a decoded image by sample id.
type ImageSource interface {
	Load(id string) (image.Image, error)
}

// DirSource reads images from a directory laid out either flat
// (root/n001.tif) or one directory per class (root/Normal/n001.tif).
type DirSource struct {
	root string
}

func NewDirSource(root string) (*DirSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", root)
	}
	return &DirSource{root: root}, nil
}

func (s *DirSource) Root() string { return s.root }

// Path resolves id to a file, looking at the root first and then in each
// class directory.
func (s *DirSource) Path(id string) (string, error) {
	candidates := []string{filepath.Join(s.root, id)}
	for _, class := range ClassNames {
		candidates = append(candidates, filepath.Join(s.root, class, id))
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", errors.Wrapf(ErrImageNotFound, "%s under %s", id, s.root)
}

func (s *DirSource) Load(id string) (image.Image, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	return preprocessing.DecodeFile(path)
}

// LoadBatch decodes several images with up to workers goroutines.
func (s *DirSource) LoadBatch(ids []string, workers int) ([]image.Image, error) {
	paths := make([]string, len(ids))
	for i, id := range ids {
		path, err := s.Path(id)
		if err != nil {
			return nil, err
		}
		paths[i] = path
	}
	return preprocessing.DecodeFiles(paths, workers)
}

// MemorySource serves images held in memory, keyed by id.
type MemorySource map[string]image.Image

func (m MemorySource) Load(id string) (image.Image, error) {
	img, ok := m[id]
	if !ok {
		return nil, errors.Wrapf(ErrImageNotFound, "%s", id)
	}
	return img, nil
}

// ScanImageFolder lists the images of a directory with one subdirectory
// per class. Subdirectories that are not class names are skipped. Ids are
// file names, sorted, so the result matches a ground-truth CSV for the same
// directory.
func ScanImageFolder(root string, extensions []string) ([]Sample, error) {
	if len(extensions) == 0 {
		extensions = []string{".tif", ".tiff", ".png", ".jpg", ".jpeg", ".bmp"}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	var samples []Sample
	seen := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		label, err := ParseClass(entry.Name())
		if err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || !hasExtension(f.Name(), extensions) {
				continue
			}
			if seen[f.Name()] {
				return nil, errors.Wrapf(ErrDuplicateSample, "%s", f.Name())
			}
			seen[f.Name()] = true
			samples = append(samples, Sample{ID: f.Name(), Label: label})
		}
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].ID < samples[j].ID })
	return samples, nil
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

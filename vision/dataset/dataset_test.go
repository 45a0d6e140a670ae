package dataset

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/tsawler/go-histocv/vision/preprocessing"
)

// synthetic returns n samples cycling through the classes and a source
// whose images are flat gray at a level derived from the label.
func synthetic(n, side int) ([]Sample, MemorySource) {
	samples := make([]Sample, n)
	src := MemorySource{}
	for i := range samples {
		id := fmt.Sprintf("s%03d.tif", i)
		samples[i] = Sample{ID: id, Label: i % NumClasses}
		img := image.NewRGBA(image.Rect(0, 0, side, side))
		level := uint8(40 * (i%NumClasses + 1))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = level, level, level, 255
		}
		src[id] = img
	}
	return samples, src
}

func TestParseClass(t *testing.T) {
	for name, want := range map[string]int{
		"Normal": Normal, "benign": Benign, "InSitu": InSitu, "In Situ": InSitu,
		"in_situ": InSitu, " Invasive ": Invasive,
	} {
		got, err := ParseClass(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseClass("Tumor")
	assert.True(t, errors.Is(err, ErrUnknownClass))
	assert.Equal(t, "unknown", ClassName(7))
}

func TestGroundTruthRoundTrip(t *testing.T) {
	samples := []Sample{{"n001.tif", Normal}, {"b001.tif", Benign}, {"is001.tif", InSitu}, {"iv001.tif", Invasive}}
	var buf bytes.Buffer
	require.NoError(t, WriteGroundTruth(&buf, samples))
	assert.Equal(t, "n001.tif,Normal\n", strings.SplitAfter(buf.String(), "\n")[0])

	got, err := ReadGroundTruth(&buf)
	require.NoError(t, err)
	assert.Equal(t, samples, got)
}

func TestGroundTruthHeaderAndErrors(t *testing.T) {
	got, err := ReadGroundTruth(strings.NewReader("image,class\nn001.tif,Normal\niv002.tif,Invasive\n"))
	require.NoError(t, err)
	assert.Equal(t, []Sample{{"n001.tif", Normal}, {"iv002.tif", Invasive}}, got)

	_, err = ReadGroundTruth(strings.NewReader("n001.tif,Normal\nn001.tif,Benign\n"))
	assert.True(t, errors.Is(err, ErrDuplicateSample))

	_, err = ReadGroundTruth(strings.NewReader("n001.tif,Normal\nx.tif,Tumor\n"))
	assert.True(t, errors.Is(err, ErrUnknownClass))

	assert.Error(t, WriteGroundTruth(&bytes.Buffer{}, []Sample{{"x", 9}}))
}

func TestScanImageFolderAndDirSource(t *testing.T) {
	root := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.SetRGBA(1, 1, color.RGBA{R: 255, A: 255})
	for _, f := range []struct{ class, name string }{
		{"Normal", "n002.tif"}, {"Normal", "n001.tif"}, {"Benign", "b001.tif"}, {"InSitu", "is001.tif"},
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, f.class), 0755))
		var buf bytes.Buffer
		require.NoError(t, tiff.Encode(&buf, img, nil))
		require.NoError(t, os.WriteFile(filepath.Join(root, f.class, f.name), buf.Bytes(), 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "thumbnails"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Normal", "notes.txt"), []byte("x"), 0644))

	samples, err := ScanImageFolder(root, nil)
	require.NoError(t, err)
	assert.Equal(t, []Sample{{"b001.tif", Benign}, {"is001.tif", InSitu}, {"n001.tif", Normal}, {"n002.tif", Normal}}, samples)

	src, err := NewDirSource(root)
	require.NoError(t, err)
	loaded, err := src.Load("is001.tif")
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Bounds().Dx())

	batch, err := src.LoadBatch([]string{"n001.tif", "b001.tif"}, 2)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	_, err = src.Load("iv404.tif")
	assert.True(t, errors.Is(err, ErrImageNotFound))

	_, err = ScanImageFolder(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestViewShuffleIsSeeded(t *testing.T) {
	samples, src := synthetic(40, 8)
	a, err := NewView(samples, src, ViewOptions{Shuffle: true, Seed: 3, Transform: preprocessing.ValTransform(8)})
	require.NoError(t, err)
	b, err := NewView(samples, src, ViewOptions{Shuffle: true, Seed: 3, Transform: preprocessing.ValTransform(8)})
	require.NoError(t, err)
	plain, err := NewView(samples, src, ViewOptions{Transform: preprocessing.ValTransform(8)})
	require.NoError(t, err)

	assert.Equal(t, a.IDs(), b.IDs())
	assert.NotEqual(t, plain.IDs(), a.IDs())
	assert.ElementsMatch(t, plain.IDs(), a.IDs())
	for i, id := range a.IDs() {
		var n int
		_, err := fmt.Sscanf(id, "s%03d.tif", &n)
		require.NoError(t, err)
		assert.Equal(t, n%NumClasses, a.Labels()[i], "label must travel with its id")
	}
	assert.Equal(t, map[string]int{"Normal": 10, "Benign": 10, "InSitu": 10, "Invasive": 10}, a.ClassDistribution())
	assert.Contains(t, a.String(), "40 samples")
}

func TestSyncAndVerify(t *testing.T) {
	samples, src := synthetic(12, 8)
	train, err := NewView(samples, src, ViewOptions{Shuffle: true, Seed: 9, Transform: preprocessing.TrainTransform(8)})
	require.NoError(t, err)
	val, err := NewView(samples, src, ViewOptions{Transform: preprocessing.ValTransform(8)})
	require.NoError(t, err)

	assert.True(t, errors.Is(VerifyAligned(train, val), ErrViewsDesynchronized))

	val.SyncFrom(train)
	require.NoError(t, VerifyAligned(train, val))
	for i := 0; i < train.Len(); i++ {
		assert.Equal(t, train.SampleID(i), val.SampleID(i))
	}

	// the copy is by value
	ids := train.IDs()
	train.ids[0], train.ids[1] = train.ids[1], train.ids[0]
	assert.Equal(t, ids[0], val.SampleID(0))
	assert.True(t, errors.Is(VerifyAligned(train, val), ErrViewsDesynchronized))

	short, err := NewView(samples[:5], src, ViewOptions{Transform: preprocessing.ValTransform(8)})
	require.NoError(t, err)
	assert.True(t, errors.Is(VerifyAligned(short, val), ErrViewsDesynchronized))
}

func TestGet(t *testing.T) {
	samples, src := synthetic(8, 16)
	view, err := NewView(samples, src, ViewOptions{Transform: preprocessing.ValTransform(8)})
	require.NoError(t, err)

	x, label, err := view.Get(5)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 8}, x.Shape)
	assert.Equal(t, 1, label)

	_, _, err = view.Get(8)
	assert.Error(t, err)

	delete(src, "s002.tif")
	_, _, err = view.Get(2)
	assert.True(t, errors.Is(err, ErrImageNotFound))

	train, err := NewView(samples, src, ViewOptions{Seed: 1, Transform: preprocessing.TrainTransform(8)})
	require.NoError(t, err)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := train.Get(7)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestNewViewErrors(t *testing.T) {
	samples, src := synthetic(4, 8)
	_, err := NewView(nil, src, ViewOptions{Transform: preprocessing.ValTransform(8)})
	assert.Error(t, err)
	_, err = NewView(samples, src, ViewOptions{})
	assert.Error(t, err)
	_, err = NewView([]Sample{{"x", 4}}, src, ViewOptions{Transform: preprocessing.ValTransform(8)})
	assert.True(t, errors.Is(err, ErrUnknownClass))
}

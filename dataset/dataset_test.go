package dataset

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/nvr-ai/petclassifier/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grayJPEG(t *testing.T, level uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = level, level, level, 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

func solidPNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeImages(t *testing.T, dir string, n int, start uint8) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("img_%03d.jpg", i))
		require.NoError(t, os.WriteFile(path, grayJPEG(t, start+uint8(i)*10), 0o644))
	}
}

func TestSetupIsIdempotent(t *testing.T) {
	root := t.TempDir()
	classes := config.DefaultClasses

	dirs, err := Setup(root, classes)
	require.NoError(t, err)
	for _, split := range Splits {
		for _, class := range classes {
			assert.DirExists(t, dirs.Class(split, class))
		}
	}

	keep := filepath.Join(dirs.Class(SplitTrain, "cat"), "keep.jpg")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))

	_, err = Setup(root, classes)
	require.NoError(t, err)
	assert.FileExists(t, keep)

	total, counts, err := Info(dirs.Train)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, map[string]int{"cat": 1, "dog": 0, "other": 0}, counts)
}

func TestScanErrors(t *testing.T) {
	root := t.TempDir()

	_, err := Scan(filepath.Join(root, "missing"), nil)
	assert.ErrorIs(t, err, ErrNoClasses)

	_, err = Scan(root, nil)
	assert.ErrorIs(t, err, ErrNoClasses)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "cat"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cat", "notes.txt"), []byte("hi"), 0o644))
	_, err = Scan(root, []string{"cat", "dog"})
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestScanLabelsFollowClassOrder(t *testing.T) {
	root := t.TempDir()
	writeImages(t, filepath.Join(root, "dog"), 2, 0)
	writeImages(t, filepath.Join(root, "cat"), 3, 0)
	writeImages(t, filepath.Join(root, "bird"), 1, 0)

	idx, err := Scan(root, []string{"dog", "cat"})
	require.NoError(t, err)
	require.Len(t, idx.Samples, 5)
	assert.Equal(t, 0, idx.Samples[0].Label)
	assert.Equal(t, 1, idx.Samples[4].Label)
	assert.Equal(t, map[string]int{"dog": 2, "cat": 3}, idx.Counts)

	idx, err = Scan(root, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"bird", "cat", "dog"}, idx.Classes)
}

func TestValidationGeneratorIsOrderedAndOneHot(t *testing.T) {
	root := t.TempDir()
	writeImages(t, filepath.Join(root, "cat"), 3, 0)
	writeImages(t, filepath.Join(root, "dog"), 2, 100)

	g, err := NewGenerator(root, []string{"cat", "dog"}, GeneratorOptions{ImageSize: 8, BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, g.Len())
	assert.Equal(t, 3, g.Steps())

	for epoch := 0; epoch < 2; epoch++ {
		var sizes []int
		var labels []int
		err = g.Epoch(context.Background(), func(b *Batch) error {
			sizes = append(sizes, b.N)
			labels = append(labels, b.Labels...)
			for i := 0; i < b.N; i++ {
				row := b.Y[i*2 : i*2+2]
				assert.Equal(t, float32(1), row[b.Labels[i]])
				assert.Equal(t, float32(1), row[0]+row[1])
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2, 1}, sizes)
		assert.Equal(t, []int{0, 0, 0, 1, 1}, labels)
	}
}

func TestTrainingGeneratorShufflesEveryEpoch(t *testing.T) {
	root := t.TempDir()
	writeImages(t, filepath.Join(root, "cat"), 10, 0)
	writeImages(t, filepath.Join(root, "dog"), 10, 5)

	g, err := NewGenerator(root, []string{"cat", "dog"}, GeneratorOptions{
		ImageSize: 8,
		BatchSize: 4,
		Shuffle:   true,
		Seed:      3,
	})
	require.NoError(t, err)

	var orders [][]int
	for epoch := 0; epoch < 3; epoch++ {
		var labels []int
		require.NoError(t, g.Epoch(context.Background(), func(b *Batch) error {
			labels = append(labels, b.Labels...)
			return nil
		}))
		require.Len(t, labels, 20)
		orders = append(orders, labels)

		sorted := append([]int(nil), labels...)
		sort.Ints(sorted)
		assert.Equal(t, 10, sort.SearchInts(sorted, 1))
	}
	assert.False(t, assert.ObjectsAreEqual(orders[0], orders[1]) && assert.ObjectsAreEqual(orders[1], orders[2]))
}

func TestAugmentedGeneratorStaysInUnitRange(t *testing.T) {
	root := t.TempDir()
	writeImages(t, filepath.Join(root, "cat"), 4, 50)

	aug := config.Default().Augmentation
	g, err := NewGenerator(root, []string{"cat"}, GeneratorOptions{
		ImageSize:    8,
		BatchSize:    4,
		Shuffle:      true,
		Augmentation: &aug,
	})
	require.NoError(t, err)

	require.NoError(t, g.Epoch(context.Background(), func(b *Batch) error {
		for _, v := range b.X[:b.N*8*8*3] {
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, float32(1))
		}
		return nil
	}))
}

func TestGeneratorSkipsCorruptImages(t *testing.T) {
	root := t.TempDir()
	writeImages(t, filepath.Join(root, "cat"), 2, 0)
	require.NoError(t, os.WriteFile(filepath.Join(root, "cat", "broken.jpg"), []byte("not a jpeg"), 0o644))

	g, err := NewGenerator(root, []string{"cat"}, GeneratorOptions{ImageSize: 8, BatchSize: 8})
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())

	seen := 0
	require.NoError(t, g.Epoch(context.Background(), func(b *Batch) error {
		seen += b.N
		return nil
	}))
	assert.Equal(t, 2, seen)
}

func TestGeneratorStopsOnCancelledContext(t *testing.T) {
	root := t.TempDir()
	writeImages(t, filepath.Join(root, "cat"), 2, 0)

	g, err := NewGenerator(root, []string{"cat"}, GeneratorOptions{ImageSize: 8, BatchSize: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Epoch(ctx, func(*Batch) error { return nil }), context.Canceled)
}

func TestDownloadWritesAndSkipsExisting(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 5000)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "nested", "archive.zip")
	d := NewDownloader(DefaultChunkSize)

	downloaded, err := d.Download(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.True(t, downloaded)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	downloaded, err = d.Download(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.False(t, downloaded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDownloadFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "archive.zip")
	_, err := NewDownloader(0).Download(context.Background(), srv.URL, dest)
	require.Error(t, err)
	assert.NoFileExists(t, dest)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchEnforcesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	d := NewDownloader(0)
	data, err := d.Fetch(context.Background(), srv.URL, 100)
	require.NoError(t, err)
	assert.Len(t, data, 100)

	_, err = d.Fetch(context.Background(), srv.URL, 99)
	assert.Error(t, err)

	_, err = d.Fetch(context.Background(), "http://127.0.0.1:1/unreachable", 0)
	assert.Error(t, err)
}

func writeZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.zip")
	writeZip(t, archive, map[string][]byte{
		"PetImages/Cat/1.jpg": []byte("cat"),
		"PetImages/Dog/1.jpg": []byte("dog"),
	})

	dst := filepath.Join(dir, "out")
	n, err := Extract(archive, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := os.ReadFile(filepath.Join(dst, "PetImages", "Dog", "1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "dog", string(got))
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string][]byte{"../escape.txt": []byte("x")})

	_, err := Extract(archive, filepath.Join(dir, "out"))
	assert.ErrorIs(t, err, ErrIllegalPath)
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestOrganizeSplitsCapsAndSkips(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "PetImages")
	writeImages(t, filepath.Join(src, "Cat"), 12, 0)
	writeImages(t, filepath.Join(src, "Dog"), 5, 0)
	require.NoError(t, os.WriteFile(filepath.Join(src, "Dog", "img_000.jpg"), []byte("corrupt"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Dog", "readme.txt"), []byte("ignored"), 0o644))

	dirs, err := Setup(root, config.DefaultClasses)
	require.NoError(t, err)

	result, err := Organize(src, dirs, OrganizeOptions{
		SourceClasses:   map[string]string{"cat": "Cat", "dog": "Dog", "other": "Missing"},
		MaxPerClass:     10,
		ValidationSplit: 0.2,
		Seed:            1,
	})
	require.NoError(t, err)

	assert.Equal(t, SplitCount{Train: 8, Val: 2}, result["cat"])
	dog := result["dog"]
	assert.Equal(t, 1, dog.Skipped)
	assert.Equal(t, 4, dog.Train+dog.Val)
	assert.NotContains(t, result, "other")

	stats := Stats(dirs)
	assert.Equal(t, 8, stats[SplitTrain]["cat"])
	assert.Equal(t, 2, stats[SplitVal]["cat"])
	assert.Equal(t, 4, stats[SplitTrain]["dog"]+stats[SplitVal]["dog"])

	files, err := os.ReadDir(dirs.Class(SplitTrain, "cat"))
	require.NoError(t, err)
	for _, f := range files {
		assert.Regexp(t, `^\d{5}\.jpg$`, f.Name())
	}

	_, err = Organize(filepath.Join(root, "absent"), dirs, OrganizeOptions{})
	assert.Error(t, err)
}

func TestSynthesizeOtherSkipsFailures(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/red", func(w http.ResponseWriter, r *http.Request) {
		shade := uint8(hits.Add(1) * 20)
		_, _ = w.Write(solidPNG(t, color.RGBA{R: shade, A: 255}))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	mux.HandleFunc("/garbage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not an image"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dirs, err := Setup(t.TempDir(), config.DefaultClasses)
	require.NoError(t, err)

	count, err := SynthesizeOther(context.Background(), NewDownloader(0), dirs, OtherOptions{
		Class:           "other",
		URLs:            []string{srv.URL + "/red", srv.URL + "/broken", srv.URL + "/garbage"},
		Samples:         30,
		ValidationSplit: 0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, 20, count.Skipped)
	assert.Equal(t, 8, count.Train)
	assert.Equal(t, 2, count.Val)

	total, _, err := Info(dirs.Train)
	require.NoError(t, err)
	assert.Equal(t, 8, total)
}

// splitDigests maps the sha256 of every file under class in split to its name.
func splitDigests(t *testing.T, dirs Dirs, split, class string) map[string]string {
	t.Helper()
	dir := dirs.Class(split, class)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		sum, err := fileDigest(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out[sum] = e.Name()
	}
	return out
}

func assertDisjointSplits(t *testing.T, dirs Dirs, class string) (train, val int) {
	t.Helper()
	trainSet := splitDigests(t, dirs, SplitTrain, class)
	valSet := splitDigests(t, dirs, SplitVal, class)
	for sum, name := range valSet {
		assert.NotContains(t, trainSet, sum, "%s/%s is also in the training split", class, name)
	}
	return len(trainSet), len(valSet)
}

func TestSplitsNeverShareImages(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "PetImages")
	writeImages(t, filepath.Join(src, "Cat"), 12, 0)
	dup, err := os.ReadFile(filepath.Join(src, "Cat", "img_003.jpg"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "Cat", "img_099.jpg"), dup, 0o644))

	dirs, err := Setup(root, config.DefaultClasses)
	require.NoError(t, err)
	keep := filepath.Join(dirs.Class(SplitTrain, "cat"), "mine.jpg")
	require.NoError(t, os.WriteFile(keep, grayJPEG(t, 255), 0o644))

	opts := OrganizeOptions{
		SourceClasses:   map[string]string{"cat": "Cat"},
		ValidationSplit: 0.2,
		Seed:            1,
	}
	result, err := Organize(src, dirs, opts)
	require.NoError(t, err)
	assert.Equal(t, SplitCount{Train: 9, Val: 3, Duplicates: 1}, result["cat"])
	train, val := assertDisjointSplits(t, dirs, "cat")
	assert.Equal(t, 10, train) // includes mine.jpg
	assert.Equal(t, 3, val)

	// A different shuffle and cap over the same layout replaces the earlier copies.
	opts.Seed = 7
	opts.MaxPerClass = 8
	result, err = Organize(src, dirs, opts)
	require.NoError(t, err)
	assert.Equal(t, SplitCount{Train: 6, Val: 2}, result["cat"])
	train, val = assertDisjointSplits(t, dirs, "cat")
	assert.Equal(t, 7, train)
	assert.Equal(t, 2, val)
	assert.FileExists(t, keep)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/same" {
			_, _ = w.Write(solidPNG(t, color.RGBA{G: 255, A: 255}))
			return
		}
		shade := uint8(hits.Add(1) * 10)
		_, _ = w.Write(solidPNG(t, color.RGBA{B: shade, A: 255}))
	}))
	defer srv.Close()

	other := OtherOptions{
		Class:           "other",
		URLs:            []string{srv.URL + "/fresh", srv.URL + "/same"},
		Samples:         20,
		ValidationSplit: 0.2,
		Seed:            1,
	}
	count, err := SynthesizeOther(context.Background(), NewDownloader(0), dirs, other)
	require.NoError(t, err)
	assert.Equal(t, SplitCount{Train: 8, Val: 3, Duplicates: 9}, count)
	train, val = assertDisjointSplits(t, dirs, "other")
	assert.Equal(t, 8, train)
	assert.Equal(t, 3, val)

	other.Seed = 3
	other.Samples = 10
	count, err = SynthesizeOther(context.Background(), NewDownloader(0), dirs, other)
	require.NoError(t, err)
	assert.Equal(t, 4, count.Train)
	assert.Equal(t, 2, count.Val)
	train, val = assertDisjointSplits(t, dirs, "other")
	assert.Equal(t, 4, train)
	assert.Equal(t, 2, val)
}

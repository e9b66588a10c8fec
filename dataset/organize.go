package dataset

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nvr-ai/petclassifier/images"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OrganizeOptions configures Organize.
type OrganizeOptions struct {
	// SourceClasses maps a class label to its directory inside the source tree.
	SourceClasses map[string]string
	// MaxPerClass caps the number of source files considered per class.
	MaxPerClass int
	// ValidationSplit is the fraction of each class sent to the validation split.
	ValidationSplit float64
	// Seed seeds the shuffle.
	Seed int64
}

// SplitCount is the number of files written to each split.
type SplitCount struct {
	Train      int `json:"train"`
	Val        int `json:"val"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
}

// Organize copies the source images of every class into the train and val splits.
//
// For each class the first MaxPerClass *.jpg files (in name order) are
// de-duplicated by content and shuffled, the first floor((1-split)*N) go to
// train and the rest to val. Copies are named %05d.jpg by their position in the
// shuffled list; copies left by an earlier run are removed first so no image
// ends up in both splits. Files that fail verification are skipped. A missing
// source class is logged and skipped.
//
// Arguments:
//   - src: The extracted source tree, e.g. data/PetImages.
//   - dirs: The destination layout.
//   - opts: The organise options.
//
// Returns:
//   - map[string]SplitCount: Files written per class.
//   - error: An error if src is missing or a copy fails.
func Organize(src string, dirs Dirs, opts OrganizeOptions) (map[string]SplitCount, error) {
	if _, err := os.Stat(src); err != nil {
		return nil, errors.Wrapf(err, "source directory %s", src)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	result := make(map[string]SplitCount, len(opts.SourceClasses))

	labels := make([]string, 0, len(opts.SourceClasses))
	for label := range opts.SourceClasses {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		classDir := filepath.Join(src, opts.SourceClasses[label])
		files, err := listJPEG(classDir)
		if err != nil {
			log.WithError(err).WithField("dir", classDir).Warn("source class directory unavailable")
			continue
		}
		if opts.MaxPerClass > 0 && len(files) > opts.MaxPerClass {
			files = files[:opts.MaxPerClass]
		}

		var count SplitCount
		files, count.Duplicates = uniqueFiles(files)
		if _, err := clearOutputs(dirs, label, organizedName); err != nil {
			return result, err
		}
		rng.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })

		cut := trainCount(len(files), opts.ValidationSplit)
		for i, path := range files {
			split, n := SplitTrain, &count.Train
			if i >= cut {
				split, n = SplitVal, &count.Val
			}

			if err := images.Verify(path); err != nil {
				log.WithField("path", path).Warn("skipping corrupted image")
				count.Skipped++
				continue
			}

			dest := filepath.Join(dirs.Class(split, label), fmt.Sprintf("%05d.jpg", i))
			if err := copyFile(path, dest); err != nil {
				return result, err
			}
			*n++
		}

		result[label] = count
		log.WithFields(log.Fields{
			"class":      label,
			"train":      count.Train,
			"val":        count.Val,
			"skipped":    count.Skipped,
			"duplicates": count.Duplicates,
		}).Info("organised class")
	}

	return result, nil
}

// trainCount is floor((1-split)*n), tolerant of float rounding.
func trainCount(n int, split float64) int {
	return int(math.Floor(float64(n)*(1-split) + 1e-9))
}

func listJPEG(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".jpg") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// copyFile copies src to dest, keeping the modification time.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", src)
	}

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "create %s", dest)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "close %s", dest)
	}

	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}

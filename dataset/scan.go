package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoClasses is returned when a split directory has no class subdirectories.
	ErrNoClasses = errors.New("no class directories found")
	// ErrNoSamples is returned when a split directory contains no images.
	ErrNoSamples = errors.New("no images found")
)

// ImageExtensions are the file extensions picked up when scanning a split.
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}

// Sample is one labelled image file.
type Sample struct {
	// Path is the path to the image file.
	Path string
	// Label is the class index.
	Label int
}

// Index is the content of one split directory.
type Index struct {
	// Dir is the scanned directory.
	Dir string
	// Classes are the class names in label order.
	Classes []string
	// Samples are sorted by class then file name.
	Samples []Sample
	// Counts is the number of samples per class.
	Counts map[string]int
}

func isImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range ImageExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Scan lists the images of a split directory.
//
// Arguments:
//   - dir: The split directory.
//   - classes: The class names in label order. Empty means every subdirectory, sorted.
//
// Returns:
//   - *Index: The labelled samples.
//   - error: ErrNoClasses if no class directory exists, ErrNoSamples if no class holds an image.
func Scan(dir string, classes []string) (*Index, error) {
	found, err := subdirs(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNoClasses, "%s does not exist", dir)
		}
		return nil, errors.Wrapf(err, "read %s", dir)
	}
	if len(classes) == 0 {
		classes = found
	}

	idx := &Index{
		Dir:     dir,
		Classes: append([]string(nil), classes...),
		Counts:  make(map[string]int, len(classes)),
	}

	present := 0
	known := make(map[string]bool, len(classes))
	for label, class := range classes {
		known[class] = true

		files, err := os.ReadDir(filepath.Join(dir, class))
		if err != nil {
			if os.IsNotExist(err) {
				log.WithFields(log.Fields{"dir": dir, "class": class}).Warn("class directory missing")
				continue
			}
			return nil, errors.Wrapf(err, "read %s", class)
		}
		present++

		var names []string
		for _, f := range files {
			if !f.IsDir() && isImageFile(f.Name()) {
				names = append(names, f.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			idx.Samples = append(idx.Samples, Sample{
				Path:  filepath.Join(dir, class, name),
				Label: label,
			})
		}
		idx.Counts[class] = len(names)
	}

	for _, name := range found {
		if !known[name] {
			log.WithFields(log.Fields{"dir": dir, "class": name}).Warn("ignoring unknown class directory")
		}
	}

	if present == 0 {
		return nil, errors.Wrapf(ErrNoClasses, "%s", dir)
	}
	if len(idx.Samples) == 0 {
		return nil, errors.Wrapf(ErrNoSamples, "%s", dir)
	}

	return idx, nil
}

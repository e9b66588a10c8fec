// Package dataset - Dataset layout, batch generators and dataset acquisition.
//
// The on-disk layout is one directory per split and one subdirectory per
// class:
//
//	data/train/{cat,dog,other}
//	data/val/{cat,dog,other}
package dataset

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Split names.
const (
	SplitTrain = "train"
	SplitVal   = "val"
)

// Splits lists the split directories in creation order.
var Splits = []string{SplitTrain, SplitVal}

// Dirs is a resolved dataset directory layout.
type Dirs struct {
	// Root is the dataset root.
	Root string
	// Train is the training split directory.
	Train string
	// Val is the validation split directory.
	Val string
	// Classes are the class subdirectories of each split.
	Classes []string
}

// Split returns the directory of a split.
func (d Dirs) Split(split string) string {
	return filepath.Join(d.Root, split)
}

// Class returns the directory of one class within a split.
func (d Dirs) Class(split, class string) string {
	return filepath.Join(d.Root, split, class)
}

// Layout resolves the directory layout under root without touching the disk.
func Layout(root string, classes []string) Dirs {
	return Dirs{
		Root:    root,
		Train:   filepath.Join(root, SplitTrain),
		Val:     filepath.Join(root, SplitVal),
		Classes: append([]string(nil), classes...),
	}
}

// Setup creates the split/class directory tree under root.
//
// Setup is idempotent: existing directories and the files in them are left alone.
//
// Arguments:
//   - root: The dataset root directory.
//   - classes: The class names.
//
// Returns:
//   - Dirs: The resolved layout.
//   - error: An error if a directory cannot be created.
func Setup(root string, classes []string) (Dirs, error) {
	d := Layout(root, classes)

	for _, split := range Splits {
		for _, class := range classes {
			if err := os.MkdirAll(d.Class(split, class), 0o755); err != nil {
				return d, errors.Wrapf(err, "create %s/%s", split, class)
			}
		}
	}

	return d, nil
}

// Info counts the files of every class subdirectory of dir.
//
// Arguments:
//   - dir: A split directory.
//
// Returns:
//   - int: The total number of files.
//   - map[string]int: The number of files per class subdirectory.
//   - error: An error if dir cannot be read.
func Info(dir string) (int, map[string]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "read %s", dir)
	}

	total := 0
	counts := make(map[string]int)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return 0, nil, errors.Wrapf(err, "read %s", e.Name())
		}
		n := 0
		for _, f := range files {
			if !f.IsDir() {
				n++
			}
		}
		counts[e.Name()] = n
		total += n
	}

	return total, counts, nil
}

// subdirs returns the sorted subdirectory names of dir.
func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

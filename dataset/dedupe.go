package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Names of the files written by Organize and SynthesizeOther.
var (
	organizedName   = regexp.MustCompile(`^\d{5}\.jpg$`)
	placeholderName = regexp.MustCompile(`^other_\d{5}\.(jpg|png)$`)
)

// clearOutputs removes the files matching name from class in every split.
// Other files are left alone.
func clearOutputs(dirs Dirs, class string, name *regexp.Regexp) (int, error) {
	removed := 0
	for _, split := range []string{SplitTrain, SplitVal} {
		dir := dirs.Class(split, class)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, errors.Wrapf(err, "read %s", dir)
		}
		for _, e := range entries {
			if e.IsDir() || !name.MatchString(e.Name()) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return removed, errors.Wrapf(err, "remove %s", e.Name())
			}
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(log.Fields{"class": class, "removed": removed}).Info("removed previous split files")
	}
	return removed, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// uniqueFiles drops files whose content repeats an earlier file in the list.
// Unreadable files are kept so verification can report them.
func uniqueFiles(files []string) ([]string, int) {
	seen := make(map[string]bool, len(files))
	out := make([]string, 0, len(files))
	dups := 0
	for _, path := range files {
		sum, err := fileDigest(path)
		if err == nil {
			if seen[sum] {
				log.WithField("path", path).Debug("skipping duplicate image")
				dups++
				continue
			}
			seen[sum] = true
		}
		out = append(out, path)
	}
	return out, dups
}

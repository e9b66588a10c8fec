package dataset

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrIllegalPath is returned for archive entries that would escape the destination.
var ErrIllegalPath = errors.New("archive entry escapes destination")

// Extract unpacks a zip archive into dst.
//
// Arguments:
//   - archive: The zip file.
//   - dst: The destination directory.
//
// Returns:
//   - int: The number of files written.
//   - error: ErrIllegalPath for a path traversal entry, or an I/O error.
func Extract(archive, dst string) (int, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", archive)
	}
	defer r.Close()

	root := filepath.Clean(dst) + string(os.PathSeparator)
	n := 0
	for _, f := range r.File {
		path := filepath.Join(dst, f.Name)
		if !strings.HasPrefix(path, root) {
			return n, errors.Wrapf(ErrIllegalPath, "%s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return n, errors.Wrapf(err, "create %s", path)
			}
			continue
		}

		if err := extractFile(f, path); err != nil {
			return n, err
		}
		n++
	}

	log.WithFields(log.Fields{"archive": archive, "dst": dst, "files": n}).Info("archive extracted")
	return n, nil
}

func extractFile(f *zip.File, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}

	src, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "open entry %s", f.Name)
	}
	defer src.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return out.Close()
}

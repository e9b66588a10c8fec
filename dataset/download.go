package dataset

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultChunkSize is the read size of a streamed download.
const DefaultChunkSize = 8192

// Downloader streams remote files to disk.
type Downloader struct {
	// Client performs the requests.
	Client *http.Client
	// ChunkSize is the read size of the stream.
	ChunkSize int
}

// NewDownloader creates a downloader with the default client.
func NewDownloader(chunkSize int) *Downloader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Downloader{Client: http.DefaultClient, ChunkSize: chunkSize}
}

// Download fetches url into dest unless dest already exists.
//
// The body is written to a temporary file next to dest and renamed into place
// once complete, so an interrupted download never leaves a file at dest.
//
// Arguments:
//   - ctx: Cancels the request and the copy.
//   - url: The remote file.
//   - dest: The destination path.
//
// Returns:
//   - bool: Whether a download took place.
//   - error: An error if the request fails or the body cannot be written.
func (d *Downloader) Download(ctx context.Context, url, dest string) (bool, error) {
	if _, err := os.Stat(dest); err == nil {
		log.WithField("path", dest).Info("file already exists, skipping download")
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, errors.Wrap(err, "build request")
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return false, errors.Wrapf(err, "get %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("get %s: unexpected status %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, errors.Wrap(err, "create destination directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return false, errors.Wrap(err, "create temporary file")
	}
	defer os.Remove(tmp.Name())

	progress := &progressWriter{path: dest, total: resp.ContentLength, step: 10}
	buf := make([]byte, d.ChunkSize)
	if _, err := io.CopyBuffer(io.MultiWriter(tmp, progress), ctxReader{ctx: ctx, r: resp.Body}, buf); err != nil {
		tmp.Close()
		return false, errors.Wrapf(err, "download %s", url)
	}
	if err := tmp.Close(); err != nil {
		return false, errors.Wrap(err, "close temporary file")
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return false, errors.Wrap(err, "move download into place")
	}

	log.WithFields(log.Fields{"path": dest, "bytes": progress.written}).Info("download complete")
	return true, nil
}

// Fetch reads a small remote resource into memory.
//
// Arguments:
//   - ctx: Cancels the request.
//   - url: The resource.
//   - limit: The maximum body size in bytes. Zero means unlimited.
//
// Returns:
//   - []byte: The body.
//   - error: An error for transport failures, non-200 statuses or oversized bodies.
func (d *Downloader) Fetch(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("get %s: unexpected status %s", url, resp.Status)
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", url)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, errors.Errorf("get %s: body exceeds %d bytes", url, limit)
	}

	return data, nil
}

type progressWriter struct {
	path    string
	total   int64
	written int64
	step    int
	next    int
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total > 0 {
		pct := int(p.written * 100 / p.total)
		if pct >= p.next {
			log.WithFields(log.Fields{"path": p.path, "percent": pct}).Info("downloading")
			p.next = (pct/p.step + 1) * p.step
		}
	}
	return len(b), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}

package serving

import (
	"context"
	"time"

	"github.com/nvr-ai/petclassifier/dataset"
	"github.com/nvr-ai/petclassifier/images"
	log "github.com/sirupsen/logrus"
)

// Fetcher loads images from user supplied URLs.
type Fetcher struct {
	downloader *dataset.Downloader
	timeout    time.Duration
	limit      int64
}

// NewFetcher creates a fetcher with a per-request timeout and a body size cap.
func NewFetcher(timeout time.Duration, limit int64) *Fetcher {
	return &Fetcher{
		downloader: dataset.NewDownloader(dataset.DefaultChunkSize),
		timeout:    timeout,
		limit:      limit,
	}
}

// Image fetches and decodes url once, without retries.
//
// Returns:
//   - *images.Image: The image, or nil when the fetch or decode failed.
//   - []byte: The encoded body, or nil.
func (f *Fetcher) Image(ctx context.Context, url string) (*images.Image, []byte) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	data, err := f.downloader.Fetch(ctx, url, f.limit)
	if err != nil {
		log.WithError(err).WithField("url", url).Warn("failed to load image from URL")
		return nil, nil
	}
	img, err := images.DecodeBytes(data)
	if err != nil {
		log.WithError(err).WithField("url", url).Warn("URL did not return a decodable image")
		return nil, nil
	}
	return img, data
}

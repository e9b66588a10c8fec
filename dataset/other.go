package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/nvr-ai/petclassifier/images"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// maxPlaceholderBytes caps a single synthesised sample.
const maxPlaceholderBytes = 5 << 20

// OtherOptions configures SynthesizeOther.
type OtherOptions struct {
	// Class is the label the samples are written under.
	Class string
	// URLs are the placeholder endpoints, cycled in order.
	URLs []string
	// Samples is the number of fetch attempts.
	Samples int
	// ValidationSplit is the fraction of samples sent to the validation split.
	ValidationSplit float64
	// Seed seeds the split shuffle.
	Seed int64
}

// SynthesizeOther fills the catch-all class with images fetched from placeholder endpoints.
//
// The URL list is cycled until Samples fetches have been attempted. A failed
// fetch or an undecodable body skips that sample only, and a body identical to
// an earlier one is dropped. Valid samples replace the ones written by an
// earlier run and are shuffled and split like the other classes.
//
// Arguments:
//   - ctx: Cancels the remaining fetches.
//   - d: The downloader used for the requests.
//   - dirs: The destination layout.
//   - opts: The synthesis options.
//
// Returns:
//   - SplitCount: Samples written per split and samples skipped.
//   - error: The context error, or an error if a sample cannot be written.
func SynthesizeOther(ctx context.Context, d *Downloader, dirs Dirs, opts OtherOptions) (SplitCount, error) {
	var count SplitCount
	if len(opts.URLs) == 0 || opts.Samples <= 0 {
		return count, nil
	}

	type fetched struct {
		data []byte
		ext  string
	}
	var valid []fetched
	seen := make(map[string]bool)

	for i := 0; i < opts.Samples; i++ {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		url := opts.URLs[i%len(opts.URLs)]
		data, err := d.Fetch(ctx, url, maxPlaceholderBytes)
		if err != nil {
			log.WithError(err).WithField("url", url).Debug("skipping placeholder sample")
			count.Skipped++
			continue
		}
		img, err := images.DecodeBytes(data)
		if err != nil {
			log.WithError(err).WithField("url", url).Debug("skipping undecodable placeholder sample")
			count.Skipped++
			continue
		}
		sum := digest(data)
		if seen[sum] {
			count.Duplicates++
			continue
		}
		seen[sum] = true
		valid = append(valid, fetched{data: data, ext: extension(img.Format)})
	}

	if len(valid) > 0 {
		if _, err := clearOutputs(dirs, opts.Class, placeholderName); err != nil {
			return count, err
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	rng.Shuffle(len(valid), func(i, j int) { valid[i], valid[j] = valid[j], valid[i] })

	cut := trainCount(len(valid), opts.ValidationSplit)
	for i, s := range valid {
		split, n := SplitTrain, &count.Train
		if i >= cut {
			split, n = SplitVal, &count.Val
		}
		dest := filepath.Join(dirs.Class(split, opts.Class), fmt.Sprintf("other_%05d%s", i, s.ext))
		if err := os.WriteFile(dest, s.data, 0o644); err != nil {
			return count, errors.Wrapf(err, "write %s", dest)
		}
		*n++
	}

	log.WithFields(log.Fields{
		"class":      opts.Class,
		"train":      count.Train,
		"val":        count.Val,
		"skipped":    count.Skipped,
		"duplicates": count.Duplicates,
	}).Info("synthesised placeholder samples")

	return count, nil
}

func extension(f images.ImageFormat) string {
	switch f {
	case images.FormatPNG:
		return ".png"
	default:
		return ".jpg"
	}
}

package dataset

import (
	"context"
	"os"
	"path/filepath"

	"github.com/nvr-ai/petclassifier/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Stats counts the images of every class of every split.
//
// Returns:
//   - map[string]map[string]int: Counts keyed by split, then class.
func Stats(dirs Dirs) map[string]map[string]int {
	stats := make(map[string]map[string]int, len(Splits))
	for _, split := range Splits {
		stats[split] = make(map[string]int, len(dirs.Classes))
		total := 0
		for _, class := range dirs.Classes {
			entries, err := os.ReadDir(dirs.Class(split, class))
			if err != nil {
				continue
			}
			n := 0
			for _, e := range entries {
				if !e.IsDir() && isImageFile(e.Name()) {
					n++
				}
			}
			stats[split][class] = n
			total += n
			log.WithFields(log.Fields{"split": split, "class": class, "images": n}).Info("dataset statistics")
		}
		log.WithFields(log.Fields{"split": split, "images": total}).Info("dataset split total")
	}
	return stats
}

// AcquireReport summarises an Acquire run.
type AcquireReport struct {
	Dirs       Dirs                      `json:"dirs"`
	Downloaded bool                      `json:"downloaded"`
	Extracted  int                       `json:"extracted"`
	Organized  map[string]SplitCount     `json:"organized"`
	Other      SplitCount                `json:"other"`
	Stats      map[string]map[string]int `json:"stats"`
}

// Acquire runs the whole dataset preparation flow.
//
// It creates the layout, downloads and extracts the source archive, organises
// the source classes into the splits, synthesises the catch-all class and
// reports statistics.
//
// Arguments:
//   - ctx: Cancels network work.
//   - cfg: The configuration.
//
// Returns:
//   - *AcquireReport: What was done.
//   - error: An error from any step except individual placeholder fetches.
func Acquire(ctx context.Context, cfg config.Config) (*AcquireReport, error) {
	dirs, err := Setup(cfg.Data.Root, cfg.Classes)
	if err != nil {
		return nil, err
	}
	log.WithField("root", dirs.Root).Info("directory structure created")

	report := &AcquireReport{Dirs: dirs}
	d := NewDownloader(cfg.Data.ChunkSize)

	archive := filepath.Join(cfg.Data.Root, cfg.Data.ArchiveName)
	if report.Downloaded, err = d.Download(ctx, cfg.Data.ArchiveURL, archive); err != nil {
		return report, errors.Wrap(err, "download dataset")
	}

	if report.Extracted, err = Extract(archive, cfg.Data.Root); err != nil {
		return report, errors.Wrap(err, "extract dataset")
	}

	src := filepath.Join(cfg.Data.Root, cfg.Data.SourceDir)
	report.Organized, err = Organize(src, dirs, OrganizeOptions{
		SourceClasses:   cfg.Data.SourceClasses,
		MaxPerClass:     cfg.Data.MaxPerClass,
		ValidationSplit: cfg.Data.ValidationSplit,
		Seed:            cfg.Data.Seed,
	})
	if err != nil {
		return report, errors.Wrap(err, "organise dataset")
	}

	if cfg.ClassIndex(config.ClassOther) >= 0 {
		report.Other, err = SynthesizeOther(ctx, d, dirs, OtherOptions{
			Class:           config.ClassOther,
			URLs:            cfg.Data.OtherURLs,
			Samples:         cfg.Data.OtherSamples,
			ValidationSplit: cfg.Data.ValidationSplit,
			Seed:            cfg.Data.Seed,
		})
		if err != nil {
			return report, errors.Wrap(err, "synthesise other class")
		}
	}

	report.Stats = Stats(dirs)
	return report, nil
}

package detector

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"deepscan/internal/logging"
	"deepscan/internal/verdict"
)

// BatchItem is the outcome for one path of a batch.
type BatchItem struct {
	Path   string
	Result verdict.Result
	Err    error
}

// DetectBatch analyzes paths on a pool of detection.workers goroutines.
// Items keep the input order. A failing video never affects the others, and
// cancelling ctx turns the remaining videos into timed out results.
func (d *Detector) DetectBatch(ctx context.Context, paths []string, modelType string, opts Options) []BatchItem {
	items := make([]BatchItem, len(paths))
	if len(paths) == 0 {
		return items
	}
	start := time.Now()
	progress := logging.NewProgressSampler(10)
	completed := make(chan struct{}, len(paths))

	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, path := range paths {
		g.Go(func() error {
			defer func() { completed <- struct{}{} }()
			items[i].Path = path
			items[i].Result, items[i].Err = d.DetectFake(ctx, path, modelType, opts)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for finished := 1; finished <= len(paths); finished++ {
			<-completed
			if progress.ShouldLog(finished, len(paths)) {
				d.logger.Info("batch progress",
					logging.Int("done", finished),
					logging.Int("total", len(paths)),
					logging.Duration("elapsed", time.Since(start)),
				)
			}
		}
	}()
	_ = g.Wait()
	<-done

	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
		}
	}
	d.logger.Info("batch complete",
		logging.Int("videos", len(paths)),
		logging.Int("failed", failed),
		logging.Duration("elapsed", time.Since(start)),
	)
	return items
}

package services

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"ocrgateway/internal/models"
)

// ProcessBatch runs every valid item through the pipeline with bounded
// concurrency and waits for all of them. Items that fail local validation
// get a failed Result without a remote round trip; one item's failure never
// touches its siblings. Results come back in input order.
func (s *ocrService) ProcessBatch(ctx context.Context, items []models.WorkItem) models.BatchResult {
	start := time.Now()

	if len(items) == 0 {
		return models.BatchResult{
			Meta: models.BatchMeta{BatchProcessingTime: secondsSince(start)},
			Results: []models.Result{{
				Error: phaseMessage(PhaseValidate, errors.New("no work items provided")),
			}},
		}
	}

	results := make([]models.Result, len(items))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.maxConcurrent)

	for i := range items {
		item := &items[i]
		if err := s.Validate(item); err != nil {
			s.logger.Warn("rejected work item", "fileName", item.FileName, "error", err)
			results[i] = models.Result{
				FileName: item.FileName,
				Error:    phaseMessage(PhaseValidate, err),
			}
			continue
		}

		eg.Go(func() error {
			results[i] = s.Process(egCtx, *item)
			return nil
		})
	}

	// Pipelines report failures through their Result, so Wait only ever
	// synchronizes here.
	_ = eg.Wait()

	batch := models.BatchResult{
		Meta: models.BatchMeta{
			ProcessedCount:      len(items),
			BatchProcessingTime: secondsSince(start),
		},
		Results: results,
	}

	s.logger.Info("batch finished",
		"items", len(items),
		"seconds", batch.Meta.BatchProcessingTime)
	return batch
}

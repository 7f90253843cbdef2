package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"superfetch/internal/model"
)

const (
	// MaxBatchURLs caps a single batch request.
	MaxBatchURLs = 10
	// DefaultBatchConcurrency is used when the caller does not choose one.
	DefaultBatchConcurrency = 3
	// MaxBatchConcurrency is the hard ceiling on parallel fetches per batch.
	MaxBatchConcurrency = 5
)

// BatchOptions shapes a batch run.
type BatchOptions struct {
	Concurrency     int
	ContinueOnError bool
}

// BatchItem is the outcome for one URL, in request order.
type BatchItem[T any] struct {
	URL    string
	Result *Result[T]
	Err    error
}

// BatchSummary aggregates a finished batch.
type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Cached     int `json:"cached"`
}

// ExecuteBatch runs one job per URL through the pipeline with bounded
// concurrency. Each URL is isolated: with ContinueOnError (the default
// posture for callers) a failure is recorded and the rest proceed; without
// it the first failure cancels the remaining work and fails the batch.
// build produces the per-URL request, letting callers share transform
// options across the batch.
func ExecuteBatch[T any](ctx context.Context, p *Pipeline, urls []string, opts BatchOptions, build func(url string) Request[T]) ([]BatchItem[T], BatchSummary, error) {
	if len(urls) == 0 {
		return nil, BatchSummary{}, model.NewValidationError("urls", "must not be empty")
	}
	if len(urls) > MaxBatchURLs {
		return nil, BatchSummary{}, model.NewValidationError("urls",
			fmt.Sprintf("at most %d urls per batch", MaxBatchURLs))
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	if concurrency > MaxBatchConcurrency {
		concurrency = MaxBatchConcurrency
	}

	items := make([]BatchItem[T], len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, u := range urls {
		g.Go(func() error {
			res, err := Execute(gctx, p, build(u))
			items[i] = BatchItem[T]{URL: u, Result: res, Err: err}
			if err != nil && !opts.ContinueOnError {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return items, summarize(items), err
	}
	return items, summarize(items), nil
}

func summarize[T any](items []BatchItem[T]) BatchSummary {
	s := BatchSummary{Total: len(items)}
	for _, item := range items {
		switch {
		case item.Err != nil:
			s.Failed++
		case item.Result != nil:
			s.Successful++
			if item.Result.Cached {
				s.Cached++
			}
		}
	}
	return s
}

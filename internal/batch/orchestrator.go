// Package batch fans ids out over the caption worker with bounded
// concurrency. Runs are resumable: a pre-scan of the outcome shards drops
// every id that already reached a terminal state.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"dancap/internal/logging"
	"dancap/internal/store"
	"dancap/internal/worker"
)

// subBatchSize bounds one metadata $in query.
const subBatchSize = 10000

// progressEvery controls how often cumulative progress is logged.
const progressEvery = 100

// captionScanner is the outcome-store surface the orchestrator needs.
type captionScanner interface {
	ProcessedInRange(ctx context.Context, start, end int64) (map[int64]struct{}, error)
	Upsert(ctx context.Context, id int64, outcome *store.CaptionOutcome) error
}

// urlResolver resolves download URLs from source metadata.
type urlResolver interface {
	BuildURLsInKey(ctx context.Context, key int64) (map[int64]store.URLResult, error)
	BuildURLBatch(ctx context.Context, ids []int64) (map[int64]store.URLResult, error)
}

// itemProcessor runs one id through the pipeline.
type itemProcessor interface {
	Process(ctx context.Context, id int64, urlOverride string) *worker.Report
}

// Stats summarizes a completed run.
type Stats struct {
	Total      int
	Success    int
	Failed     int
	Skipped    int
	TotalTime  float64
	AvgPerItem float64
}

func (s *Stats) String() string {
	return fmt.Sprintf("total=%d success=%d failed=%d skipped=%d in %.1fs (%.2fs/item)",
		s.Total, s.Success, s.Failed, s.Skipped, s.TotalTime, s.AvgPerItem)
}

// Orchestrator coordinates batch caption runs.
type Orchestrator struct {
	captions captionScanner
	pics     urlResolver
	worker   itemProcessor

	concurrency int64
	log         *logging.Logger
}

// New builds an orchestrator. concurrency must be positive.
func New(captions captionScanner, pics urlResolver, w itemProcessor, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Orchestrator{
		captions:    captions,
		pics:        pics,
		worker:      w,
		concurrency: int64(concurrency),
		log:         logging.Get(logging.CategoryBatch),
	}
}

// RunByKey processes every id in one shard: [key*ShardSize, (key+1)*ShardSize).
// URL synthesis uses a single range scan over the shard's metadata.
func (o *Orchestrator) RunByKey(ctx context.Context, key int64) (*Stats, error) {
	timer := logging.StartTimer(logging.CategoryBatch, fmt.Sprintf("shard %d", key))
	start := key * store.ShardSize
	end := start + store.ShardSize

	processed, err := o.captions.ProcessedInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("processed pre-scan failed: %w", err)
	}
	o.log.Info("shard %d: %d ids already processed", key, len(processed))

	urls, err := o.pics.BuildURLsInKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("URL pre-scan failed: %w", err)
	}

	stats := &Stats{Skipped: len(processed)}
	pending := make(map[int64]store.URLResult, len(urls))
	for id, res := range urls {
		if _, done := processed[id]; done {
			continue
		}
		pending[id] = res
	}

	if err := o.dispatch(ctx, pending, stats); err != nil {
		return nil, err
	}
	o.finish(stats, timer)
	return stats, nil
}

// RunRange processes [startID, endID). URLs are resolved in sub-batches to
// keep metadata queries bounded. An empty range is zero work, not an error.
func (o *Orchestrator) RunRange(ctx context.Context, startID, endID int64) (*Stats, error) {
	if endID < startID {
		return nil, fmt.Errorf("invalid range [%d, %d)", startID, endID)
	}
	if endID == startID {
		return &Stats{}, nil
	}
	timer := logging.StartTimer(logging.CategoryBatch, fmt.Sprintf("range [%d, %d)", startID, endID))

	processed, err := o.captions.ProcessedInRange(ctx, startID, endID)
	if err != nil {
		return nil, fmt.Errorf("processed pre-scan failed: %w", err)
	}
	o.log.Info("range [%d, %d): %d ids already processed", startID, endID, len(processed))

	stats := &Stats{Skipped: len(processed)}
	var ids []int64
	for id := startID; id < endID; id++ {
		if _, done := processed[id]; done {
			continue
		}
		ids = append(ids, id)
	}

	if err := o.runIDs(ctx, ids, stats); err != nil {
		return nil, err
	}
	o.finish(stats, timer)
	return stats, nil
}

// RunByKeyWithRange processes the shard-relative slice
// [key*ShardSize+start, key*ShardSize+end) of one shard.
func (o *Orchestrator) RunByKeyWithRange(ctx context.Context, key, start, end int64) (*Stats, error) {
	base := key * store.ShardSize
	return o.RunRange(ctx, base+start, base+end)
}

// RunList processes an explicit id list. Already-processed ids are dropped
// up front; order does not matter.
func (o *Orchestrator) RunList(ctx context.Context, ids []int64) (*Stats, error) {
	if len(ids) == 0 {
		return &Stats{}, nil
	}
	timer := logging.StartTimer(logging.CategoryBatch, fmt.Sprintf("list of %d ids", len(ids)))

	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	processed, err := o.captions.ProcessedInRange(ctx, sorted[0], sorted[len(sorted)-1]+1)
	if err != nil {
		return nil, fmt.Errorf("processed pre-scan failed: %w", err)
	}

	stats := &Stats{}
	var pending []int64
	for _, id := range sorted {
		if _, done := processed[id]; done {
			stats.Skipped++
			continue
		}
		pending = append(pending, id)
	}

	if err := o.runIDs(ctx, pending, stats); err != nil {
		return nil, err
	}
	o.finish(stats, timer)
	return stats, nil
}

// ProcessSingleID runs one id through the pipeline, optionally with an
// explicit URL override.
func (o *Orchestrator) ProcessSingleID(ctx context.Context, id int64, urlOverride string) *worker.Report {
	return o.worker.Process(ctx, id, urlOverride)
}

// runIDs resolves URLs in sub-batches and dispatches each batch.
func (o *Orchestrator) runIDs(ctx context.Context, ids []int64, stats *Stats) error {
	for offset := 0; offset < len(ids); offset += subBatchSize {
		chunk := ids[offset:min(offset+subBatchSize, len(ids))]

		urls, err := o.pics.BuildURLBatch(ctx, chunk)
		if err != nil {
			return fmt.Errorf("URL batch lookup failed: %w", err)
		}
		if err := o.dispatch(ctx, urls, stats); err != nil {
			return err
		}
	}
	return nil
}

// dispatch records no-URL ids in bulk and fans the rest out over the worker
// pool.
func (o *Orchestrator) dispatch(ctx context.Context, urls map[int64]store.URLResult, stats *Stats) error {
	var runnable []int64
	for id, res := range urls {
		if res.Status == store.StatusOK {
			runnable = append(runnable, id)
			continue
		}
		o.recordNoURL(ctx, id, res, stats)
	}
	sort.Slice(runnable, func(i, j int) bool { return runnable[i] < runnable[j] })

	sem := semaphore.NewWeighted(o.concurrency)
	var mu sync.Mutex
	done := 0

	for _, id := range runnable {
		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}
		id, url := id, urls[id].URL
		go func() {
			defer sem.Release(1)
			report := o.worker.Process(ctx, id, url)

			mu.Lock()
			defer mu.Unlock()
			o.account(report, stats)
			done++
			if done%progressEvery == 0 {
				o.log.Info("progress: %d/%d dispatched items done", done, len(runnable))
			}
		}()
	}

	// Wait for in-flight workers.
	if err := sem.Acquire(ctx, o.concurrency); err != nil {
		return fmt.Errorf("run cancelled: %w", err)
	}
	sem.Release(o.concurrency)
	return nil
}

// recordNoURL writes the terminal outcome for an id with no usable URL.
func (o *Orchestrator) recordNoURL(ctx context.Context, id int64, res store.URLResult, stats *Stats) {
	outcome := &store.CaptionOutcome{
		ID:             id,
		Success:        false,
		StatusCode:     res.Status,
		Error:          fmt.Sprintf("no URL, status=%d", res.Status),
		ErrorType:      "URLError",
		ProcessingTime: 0,
	}
	if err := o.captions.Upsert(ctx, id, outcome); err != nil {
		o.log.Error("id %d: failed to record missing URL: %v", id, err)
	}
	stats.Failed++
}

func (o *Orchestrator) account(report *worker.Report, stats *Stats) {
	switch {
	case report.Skipped:
		stats.Skipped++
	case report.Outcome.Success:
		stats.Success++
	default:
		stats.Failed++
	}
}

func (o *Orchestrator) finish(stats *Stats, timer *logging.Timer) {
	stats.Total = stats.Success + stats.Failed + stats.Skipped
	stats.TotalTime = timer.Stop().Seconds()
	if n := stats.Success + stats.Failed; n > 0 {
		stats.AvgPerItem = stats.TotalTime / float64(n)
	}
	o.log.Info("run complete: %s", stats)
}

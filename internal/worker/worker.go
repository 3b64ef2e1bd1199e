// Package worker drives one image through the caption pipeline: skip check,
// URL resolution, image acquisition, prompt assembly, model call, and the
// terminal commit. Every path out of Process except a skip writes exactly one
// outcome document.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"dancap/internal/fetch"
	"dancap/internal/logging"
	"dancap/internal/model"
	"dancap/internal/prompt"
	"dancap/internal/store"
)

// CaptionStore is the outcome side of the store the worker needs.
type CaptionStore interface {
	Get(ctx context.Context, id int64) (*store.CaptionOutcome, error)
	Upsert(ctx context.Context, id int64, outcome *store.CaptionOutcome) error
	SaveResultFile(id int64, outcome *store.CaptionOutcome, dir string) error
}

// MetadataStore is the source-record side of the store the worker needs.
type MetadataStore interface {
	Get(ctx context.Context, id int64) (*store.ImageRecord, error)
	BuildURLBatch(ctx context.Context, ids []int64) (map[int64]store.URLResult, error)
}

// Fetcher acquires image bytes.
type Fetcher interface {
	Acquire(ctx context.Context, id int64, url string) (*fetch.Image, error)
}

// Captioner generates a caption from a prompt and image.
type Captioner interface {
	Call(ctx context.Context, prompt string, imageBytes []byte, mime string) *model.Result
}

// TreeBuilder renders character reference text for an id; empty means the
// image has no characters. Optional.
type TreeBuilder func(ctx context.Context, id int64, language string) (string, error)

// Report is the result of processing one id.
type Report struct {
	Outcome *store.CaptionOutcome

	// Skipped means a stored success already existed and nothing was written.
	Skipped bool
}

// Options configures a Worker.
type Options struct {
	Language string

	// Write a per-id result JSON file into this directory when set.
	OutputDir string

	// Save acquired image bytes into this directory when set.
	ImageDir string

	// Skip the stored-success lookup, forcing reprocessing of ids that
	// already have a successful caption.
	SkipExistingCheck bool
}

// Worker processes single ids end to end.
type Worker struct {
	captions  CaptionStore
	pics      MetadataStore
	fetcher   Fetcher
	captioner Captioner
	tree      TreeBuilder

	language     string
	outputDir    string
	imageDir     string
	skipExisting bool

	log *logging.Logger
}

// New builds a worker. tree may be nil to disable character reference text.
func New(captions CaptionStore, pics MetadataStore, fetcher Fetcher, captioner Captioner, tree TreeBuilder, opts Options) *Worker {
	return &Worker{
		captions:  captions,
		pics:      pics,
		fetcher:   fetcher,
		captioner: captioner,
		tree:      tree,
		language:     opts.Language,
		outputDir:    opts.OutputDir,
		imageDir:     opts.ImageDir,
		skipExisting: opts.SkipExistingCheck,
		log:          logging.Get(logging.CategoryWorker),
	}
}

// Process runs one id through the pipeline. urlOverride, when non-empty,
// bypasses URL synthesis from the source record.
func (w *Worker) Process(ctx context.Context, id int64, urlOverride string) *Report {
	start := time.Now()

	if !w.skipExisting {
		if existing, err := w.captions.Get(ctx, id); err == nil {
			if existing.Success {
				w.log.Debug("id %d: caption already exists, skipping", id)
				return &Report{Outcome: existing, Skipped: true}
			}
		} else if err != store.ErrNotFound {
			w.log.Warn("id %d: existing-caption lookup failed: %v", id, err)
		}
	}

	url := urlOverride
	if url == "" {
		results, err := w.pics.BuildURLBatch(ctx, []int64{id})
		if err != nil {
			return w.fail(ctx, id, start, store.StatusTransport,
				fmt.Sprintf("URL lookup failed: %v", err), "StorageError", "")
		}
		res := results[id]
		if res.Status != store.StatusOK {
			return w.fail(ctx, id, start, res.Status,
				fmt.Sprintf("no URL, status=%d", res.Status), "URLError", res.URL)
		}
		url = res.URL
	}

	if strings.Contains(strings.ToLower(url), ".gif") {
		return w.fail(ctx, id, start, store.StatusUnusable, "GIF not processed", "UnsupportedFormat", url)
	}

	img, err := w.fetcher.Acquire(ctx, id, url)
	if err != nil {
		return w.fail(ctx, id, start, store.StatusTransport,
			fmt.Sprintf("failed to acquire image: %v", err), "DownloadError", url)
	}

	if w.imageDir != "" {
		out := filepath.Join(w.imageDir, fmt.Sprintf("%d.%s", id, img.Ext))
		if err := fetch.SaveImage(img.Bytes, out); err != nil {
			w.log.Warn("id %d: failed to save image copy: %v", id, err)
		}
	}

	var artists, characters, tags []string
	if rec, err := w.pics.Get(ctx, id); err == nil {
		artists = rec.Artist()
		characters = rec.Character()
		tags = rec.General()
	} else if err != store.ErrNotFound {
		w.log.Warn("id %d: metadata lookup failed: %v", id, err)
	}

	treeText := ""
	if w.tree != nil {
		text, err := w.tree(ctx, id, w.language)
		if err != nil {
			w.log.Warn("id %d: character reference text failed: %v", id, err)
		} else {
			treeText = text
		}
	}

	promptText := prompt.Build(artists, characters, tags, w.language, treeText)

	result := w.captioner.Call(ctx, promptText, img.Bytes, img.Mime)
	if result.StatusCode != store.StatusOK {
		outcome := &store.CaptionOutcome{
			ID:             id,
			Success:        false,
			StatusCode:     result.StatusCode,
			ImageURL:       img.URL,
			Error:          result.Error,
			ErrorType:      result.ErrorType,
			ErrorStack:     result.ErrorStack,
			ProcessingTime: time.Since(start).Seconds(),
		}
		return w.commit(ctx, id, outcome)
	}

	outcome := &store.CaptionOutcome{
		ID:             id,
		Success:        true,
		StatusCode:     store.StatusOK,
		ImageURL:       img.URL,
		Prompt:         promptText,
		Caption:        result.Caption,
		Artist:         artists,
		Character:      characters,
		Tags:           tags,
		ProcessingTime: time.Since(start).Seconds(),
	}
	return w.commit(ctx, id, outcome)
}

func (w *Worker) fail(ctx context.Context, id int64, start time.Time, status int, msg, errType, url string) *Report {
	outcome := &store.CaptionOutcome{
		ID:             id,
		Success:        false,
		StatusCode:     status,
		ImageURL:       url,
		Error:          msg,
		ErrorType:      errType,
		ProcessingTime: time.Since(start).Seconds(),
	}
	return w.commit(ctx, id, outcome)
}

// commit writes the terminal outcome. Storage errors are logged rather than
// propagated so one bad write never poisons the batch.
func (w *Worker) commit(ctx context.Context, id int64, outcome *store.CaptionOutcome) *Report {
	if err := w.captions.Upsert(ctx, id, outcome); err != nil {
		w.log.Error("id %d: failed to store outcome: %v", id, err)
	}
	if w.outputDir != "" {
		if err := w.captions.SaveResultFile(id, outcome, w.outputDir); err != nil {
			w.log.Warn("id %d: failed to write result file: %v", id, err)
		}
	}

	if outcome.Success {
		w.log.Info("id %d: captioned in %.1fs", id, outcome.ProcessingTime)
	} else {
		w.log.Warn("id %d: failed with status %d: %s", id, outcome.StatusCode, outcome.Error)
	}
	return &Report{Outcome: outcome}
}

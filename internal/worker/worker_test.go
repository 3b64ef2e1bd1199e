package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dancap/internal/fetch"
	"dancap/internal/model"
	"dancap/internal/store"
)

type fakeCaptions struct {
	existing map[int64]*store.CaptionOutcome
	upserts  map[int64]*store.CaptionOutcome
	saved    []int64
}

func newFakeCaptions() *fakeCaptions {
	return &fakeCaptions{
		existing: map[int64]*store.CaptionOutcome{},
		upserts:  map[int64]*store.CaptionOutcome{},
	}
}

func (f *fakeCaptions) Get(_ context.Context, id int64) (*store.CaptionOutcome, error) {
	if o, ok := f.existing[id]; ok {
		return o, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeCaptions) Upsert(_ context.Context, id int64, outcome *store.CaptionOutcome) error {
	f.upserts[id] = outcome
	return nil
}

func (f *fakeCaptions) SaveResultFile(id int64, _ *store.CaptionOutcome, _ string) error {
	f.saved = append(f.saved, id)
	return nil
}

type fakePics struct {
	urls map[int64]store.URLResult
	recs map[int64]*store.ImageRecord
}

func (f *fakePics) Get(_ context.Context, id int64) (*store.ImageRecord, error) {
	if rec, ok := f.recs[id]; ok {
		return rec, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakePics) BuildURLBatch(_ context.Context, ids []int64) (map[int64]store.URLResult, error) {
	out := make(map[int64]store.URLResult, len(ids))
	for _, id := range ids {
		if r, ok := f.urls[id]; ok {
			out[id] = r
		} else {
			out[id] = store.URLResult{Status: store.StatusNotFound}
		}
	}
	return out, nil
}

type fakeFetcher struct {
	img *fetch.Image
	err error
}

func (f *fakeFetcher) Acquire(_ context.Context, _ int64, url string) (*fetch.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	img := *f.img
	img.URL = url
	return &img, nil
}

type fakeCaptioner struct {
	result    *model.Result
	gotPrompt string
	calls     int
}

func (f *fakeCaptioner) Call(_ context.Context, prompt string, _ []byte, _ string) *model.Result {
	f.calls++
	f.gotPrompt = prompt
	return f.result
}

const testURL = "https://cdn.donmai.us/original/ab/cd/abcdef.jpg"

func okResult() *model.Result {
	return &model.Result{
		StatusCode: store.StatusOK,
		Caption:    &store.Caption{RegularSummary: "a test image"},
	}
}

func newTestWorker(captions *fakeCaptions, captioner *fakeCaptioner, opts Options) *Worker {
	pics := &fakePics{
		urls: map[int64]store.URLResult{
			42: {URL: testURL, Status: store.StatusOK},
		},
		recs: map[int64]*store.ImageRecord{
			42: {
				ID:            42,
				ArtistTags:    []string{"some_artist"},
				CharacterTags: []string{"some_character"},
				GeneralTags:   []string{"sky", "cloud"},
			},
		},
	}
	fetcher := &fakeFetcher{img: &fetch.Image{Bytes: []byte("img"), Mime: "image/jpeg", Ext: "jpg"}}
	return New(captions, pics, fetcher, captioner, nil, opts)
}

func TestProcessSuccess(t *testing.T) {
	captions := newFakeCaptions()
	captioner := &fakeCaptioner{result: okResult()}
	w := newTestWorker(captions, captioner, Options{Language: "en"})

	report := w.Process(context.Background(), 42, "")
	require.False(t, report.Skipped)

	outcome := report.Outcome
	assert.True(t, outcome.Success)
	assert.Equal(t, store.StatusOK, outcome.StatusCode)
	assert.Equal(t, testURL, outcome.ImageURL)
	assert.Equal(t, "a test image", outcome.Caption.RegularSummary)
	assert.Equal(t, []string{"some_artist"}, outcome.Artist)
	assert.Equal(t, []string{"some_character"}, outcome.Character)
	assert.Equal(t, []string{"sky", "cloud"}, outcome.Tags)

	assert.Contains(t, captioner.gotPrompt, "sky, cloud")
	assert.Same(t, outcome, captions.upserts[42])
	assert.Empty(t, captions.saved)
}

func TestProcessSkipsExistingSuccess(t *testing.T) {
	captions := newFakeCaptions()
	captions.existing[42] = &store.CaptionOutcome{ID: 42, Success: true, StatusCode: store.StatusOK}
	captioner := &fakeCaptioner{result: okResult()}
	w := newTestWorker(captions, captioner, Options{Language: "en"})

	report := w.Process(context.Background(), 42, "")
	assert.True(t, report.Skipped)
	assert.Zero(t, captioner.calls)
	assert.Empty(t, captions.upserts)
}

func TestProcessRetriesStoredFailure(t *testing.T) {
	captions := newFakeCaptions()
	captions.existing[42] = &store.CaptionOutcome{ID: 42, Success: false, StatusCode: store.StatusTransport}
	captioner := &fakeCaptioner{result: okResult()}
	w := newTestWorker(captions, captioner, Options{Language: "en"})

	report := w.Process(context.Background(), 42, "")
	require.False(t, report.Skipped)
	assert.True(t, report.Outcome.Success)
	assert.Equal(t, 1, captioner.calls)
}

func TestProcessForcesReprocessing(t *testing.T) {
	captions := newFakeCaptions()
	captions.existing[42] = &store.CaptionOutcome{ID: 42, Success: true, StatusCode: store.StatusOK}
	captioner := &fakeCaptioner{result: okResult()}
	w := newTestWorker(captions, captioner, Options{Language: "en", SkipExistingCheck: true})

	report := w.Process(context.Background(), 42, "")
	require.False(t, report.Skipped)
	assert.True(t, report.Outcome.Success)
	assert.Equal(t, 1, captioner.calls)
	assert.Same(t, report.Outcome, captions.upserts[42])
}

func TestProcessNoURL(t *testing.T) {
	captions := newFakeCaptions()
	captioner := &fakeCaptioner{result: okResult()}
	w := newTestWorker(captions, captioner, Options{Language: "en"})

	report := w.Process(context.Background(), 7, "")
	outcome := report.Outcome

	assert.False(t, outcome.Success)
	assert.Equal(t, store.StatusNotFound, outcome.StatusCode)
	assert.Equal(t, "no URL, status=404", outcome.Error)
	assert.Zero(t, captioner.calls)
	assert.Same(t, outcome, captions.upserts[7])
}

func TestProcessGIFGate(t *testing.T) {
	captions := newFakeCaptions()
	captioner := &fakeCaptioner{result: okResult()}
	w := newTestWorker(captions, captioner, Options{Language: "en"})

	report := w.Process(context.Background(), 42, "https://cdn.donmai.us/original/ab/cd/abcdef.gif")
	outcome := report.Outcome

	assert.False(t, outcome.Success)
	assert.Equal(t, store.StatusUnusable, outcome.StatusCode)
	assert.Equal(t, "GIF not processed", outcome.Error)
	assert.Zero(t, captioner.calls)
}

func TestProcessAcquireFailure(t *testing.T) {
	captions := newFakeCaptions()
	captioner := &fakeCaptioner{result: okResult()}
	w := newTestWorker(captions, captioner, Options{Language: "en"})
	w.fetcher = &fakeFetcher{err: errors.New("download failed after 5 attempts")}

	report := w.Process(context.Background(), 42, "")
	outcome := report.Outcome

	assert.False(t, outcome.Success)
	assert.Equal(t, store.StatusTransport, outcome.StatusCode)
	assert.Equal(t, "DownloadError", outcome.ErrorType)
	assert.Contains(t, outcome.Error, "download failed")
	assert.Zero(t, captioner.calls)
}

func TestProcessPolicyBlock(t *testing.T) {
	captions := newFakeCaptions()
	captioner := &fakeCaptioner{result: &model.Result{
		StatusCode: store.StatusPolicyBlocked,
		Error:      "ContentPolicyViolation: PROHIBITED_CONTENT",
		ErrorType:  "ContentPolicyViolation",
	}}
	w := newTestWorker(captions, captioner, Options{Language: "en"})

	report := w.Process(context.Background(), 42, "")
	outcome := report.Outcome

	assert.False(t, outcome.Success)
	assert.Equal(t, store.StatusPolicyBlocked, outcome.StatusCode)
	assert.Equal(t, "ContentPolicyViolation", outcome.ErrorType)
	assert.Same(t, outcome, captions.upserts[42])
}

func TestProcessParseFailureKeepsRawText(t *testing.T) {
	captions := newFakeCaptions()
	captioner := &fakeCaptioner{result: &model.Result{
		StatusCode: store.StatusParseFailed,
		Error:      "failed to parse caption JSON",
		ErrorType:  "ParseError",
		RawText:    "not json",
		ErrorStack: "not json",
	}}
	w := newTestWorker(captions, captioner, Options{Language: "en"})

	report := w.Process(context.Background(), 42, "")
	outcome := report.Outcome

	assert.Equal(t, store.StatusParseFailed, outcome.StatusCode)
	assert.Equal(t, "not json", outcome.ErrorStack)
}

func TestProcessWritesResultFile(t *testing.T) {
	captions := newFakeCaptions()
	captioner := &fakeCaptioner{result: okResult()}
	w := newTestWorker(captions, captioner, Options{Language: "en", OutputDir: t.TempDir()})

	w.Process(context.Background(), 42, "")
	assert.Equal(t, []int64{42}, captions.saved)
}

func TestProcessIncludesTreeText(t *testing.T) {
	captions := newFakeCaptions()
	captioner := &fakeCaptioner{result: okResult()}
	w := newTestWorker(captions, captioner, Options{Language: "en"})
	w.tree = func(_ context.Context, _ int64, _ string) (string, error) {
		return "CHARACTER-REFERENCE-TABLE", nil
	}

	w.Process(context.Background(), 42, "")
	assert.Contains(t, captioner.gotPrompt, "CHARACTER-REFERENCE-TABLE")
}

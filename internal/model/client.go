// Package model calls the Gemini multimodal API on Vertex AI and converts
// responses into caption outcomes. Each attempt picks a random region and a
// fresh client, which spreads quota pressure and sidesteps regional brownouts.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"google.golang.org/genai"

	"dancap/internal/logging"
	"dancap/internal/store"
)

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = 5 * time.Second
	maxOutputTokens      = 4096
)

// safetySettings disables every block category. The corpus is unfiltered, so
// the model-side filters would otherwise reject a large share of inputs; hard
// PROHIBITED_CONTENT blocks still come back as a finish reason and are
// recorded as status 999.
var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdOff},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdOff},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdOff},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdOff},
	{Category: genai.HarmCategoryCivicIntegrity, Threshold: genai.HarmBlockThresholdOff},
}

// Result is the outcome of one model call, terminal or successful.
type Result struct {
	StatusCode     int
	Caption        *store.Caption
	RawText        string
	Error          string
	ErrorType      string
	ErrorStack     string
	ProcessingTime float64
}

// Client generates captions through Vertex AI.
type Client struct {
	modelID       string
	projectID     string
	regions       []string
	retryAttempts int
	retryDelay    time.Duration

	log *logging.Logger

	// sleep is replaced in tests to skip the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a caption client. regions must be non-empty.
func NewClient(modelID, projectID string, regions []string) *Client {
	return &Client{
		modelID:       modelID,
		projectID:     projectID,
		regions:       regions,
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
		log:           logging.Get(logging.CategoryModel),
		sleep:         sleepCtx,
	}
}

// Call sends the prompt and image to the model and interprets the response.
// Transient failures are retried with exponential backoff; content-policy
// blocks (999) and unparseable responses (400) are terminal and returned
// without retrying. Exhausted retries produce a 500 result.
func (c *Client) Call(ctx context.Context, prompt string, imageBytes []byte, mime string) *Result {
	task := uuid.NewString()[:8]
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			c.log.Info("[%s] retrying in %v (attempt %d/%d)", task, delay, attempt+1, c.retryAttempts)
			if err := c.sleep(ctx, delay); err != nil {
				return c.failure(start, store.StatusTransport, err.Error(), "Cancelled")
			}
		}

		region := c.regions[rand.Intn(len(c.regions))]
		c.log.Debug("[%s] calling %s in %s", task, c.modelID, region)

		resp, err := c.generate(ctx, region, prompt, imageBytes, mime)
		if err != nil {
			lastErr = err
			c.log.Warn("[%s] attempt %d/%d failed: %v", task, attempt+1, c.retryAttempts, err)
			if strings.Contains(err.Error(), "ACCESS_TOKEN_SCOPE_INSUFFICIENT") {
				c.log.Error("[%s] credentials lack the cloud-platform scope; re-run gcloud auth application-default login", task)
			}
			continue
		}

		result, retryable := c.interpret(task, resp, start)
		if result != nil {
			return result
		}
		if retryable {
			lastErr = fmt.Errorf("empty response from model")
			continue
		}
	}

	return c.exhausted(start, lastErr)
}

// exhausted builds the terminal 500 result after the retry budget runs out,
// carrying the last error's wrapped chain for the outcome's error stack.
func (c *Client) exhausted(start time.Time, lastErr error) *Result {
	msg := "model call failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	r := c.failure(start, store.StatusTransport, fmt.Sprintf("all %d attempts failed: %s", c.retryAttempts, msg), "APIError")
	if lastErr != nil {
		r.ErrorStack = fmt.Sprintf("%+v", lastErr)
	}
	return r
}

// generate performs one request against a fresh client bound to the region.
func (c *Client) generate(ctx context.Context, region, prompt string, imageBytes []byte, mime string) (*genai.GenerateContentResponse, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend:  genai.BackendVertexAI,
		Project:  c.projectID,
		Location: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(imageBytes, mime),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: maxOutputTokens,
		SafetySettings:  safetySettings,
	}

	resp, err := client.Models.GenerateContent(ctx, c.modelID, contents, config)
	if err != nil {
		return nil, fmt.Errorf("generate content failed: %w", err)
	}
	return resp, nil
}

// interpret classifies a model response. Returns a terminal result, or
// (nil, true) when the response is empty in a retryable way.
func (c *Client) interpret(task string, resp *genai.GenerateContentResponse, start time.Time) (*Result, bool) {
	if resp == nil {
		return nil, true
	}

	text := resp.Text()
	if text == "" {
		if policyBlocked(resp) {
			c.log.Warn("[%s] response blocked by content policy", task)
			return c.failure(start, store.StatusPolicyBlocked,
				"ContentPolicyViolation: PROHIBITED_CONTENT", "ContentPolicyViolation"), false
		}
		return nil, true
	}

	caption, err := parseCaption(text)
	if err != nil {
		c.log.Warn("[%s] failed to parse model output: %v", task, err)
		r := c.failure(start, store.StatusParseFailed,
			fmt.Sprintf("failed to parse caption JSON: %v", err), "ParseError")
		r.RawText = text
		r.ErrorStack = text
		return r, false
	}

	return &Result{
		StatusCode:     store.StatusOK,
		Caption:        caption,
		RawText:        text,
		ProcessingTime: time.Since(start).Seconds(),
	}, false
}

// policyBlocked reports whether an empty response is a hard content block
// rather than a transient hiccup.
func policyBlocked(resp *genai.GenerateContentResponse) bool {
	for _, cand := range resp.Candidates {
		switch cand.FinishReason {
		case genai.FinishReasonProhibitedContent, genai.FinishReasonSafety:
			return true
		}
	}
	return false
}

// parseCaption repairs and decodes the model's JSON output. The model wraps
// JSON in markdown fences or truncates trailing braces often enough that a
// repair pass before decoding is required.
func parseCaption(raw string) (*store.Caption, error) {
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair failed: %w", err)
	}

	var caption store.Caption
	if err := json.Unmarshal([]byte(repaired), &caption); err != nil {
		return nil, fmt.Errorf("unmarshal failed: %w", err)
	}
	return &caption, nil
}

func (c *Client) failure(start time.Time, status int, msg, errType string) *Result {
	return &Result{
		StatusCode:     status,
		Error:          msg,
		ErrorType:      errType,
		ProcessingTime: time.Since(start).Seconds(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

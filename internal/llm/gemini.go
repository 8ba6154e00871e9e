// Package llm adapts a Gemini client into the two structured calls the
// stage orchestrator needs: Analyze and Narrate. The client degrades to a
// fallback model on rate-limit errors and auto-recovers after a window,
// and every response must validate against a JSON Schema before it's
// accepted; free text is a malformed result, not a usable one.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/christian-lee/broadcastpipeline/internal/promptctx"
)

// AnalysisResult is the validated output of the Analyze stage.
type AnalysisResult struct {
	SignificantChange   string   `json:"significant_change"`
	TalkingPoints       []string `json:"talking_points"`
	MomentumImpact      string   `json:"momentum_impact"`
	Magnitude           float64  `json:"magnitude"`
	HighIntensityEvents []string `json:"high_intensity_events"`
}

// NarrationResult is the validated output of the Narrate stage.
type NarrationResult struct {
	Segments []SegmentDraft `json:"segments"`
}

// SegmentDraft is one commentary line before it becomes a pipeline.CommentarySegment.
type SegmentDraft struct {
	Text    string `json:"text"`
	Kind    string `json:"kind"`
	Speaker string `json:"speaker"`
	Emotion string `json:"emotion"`
}

// Client wraps a Gemini client for the Analyze/Narrate calls, with
// primary/fallback model degradation and timed auto-recovery.
type Client struct {
	client        *genai.Client
	model         string
	fallbackModel string
	degraded      atomic.Bool
	recoverAt     atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithFallbackModel overrides the default fallback model.
func WithFallbackModel(model string) Option {
	return func(c *Client) { c.fallbackModel = model }
}

// NewClient constructs a Client against the given API key and primary model.
func NewClient(ctx context.Context, apiKey, model string, opts ...Option) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llm: create gemini client: %w", err)
	}
	c := &Client{client: gc, model: model, fallbackModel: "gemini-2.0-flash"}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) activeModel() string {
	if c.degraded.Load() {
		if time.Now().UnixMilli() >= c.recoverAt.Load() {
			c.degraded.Store(false)
			slog.Info("llm: recovered from degraded state", "model", c.model)
			return c.model
		}
		return c.fallbackModel
	}
	return c.model
}

func (c *Client) degrade() {
	if !c.degraded.Load() {
		slog.Warn("llm: degrading to fallback model", "from", c.model, "to", c.fallbackModel, "duration", "30s")
	}
	c.degraded.Store(true)
	c.recoverAt.Store(time.Now().Add(30 * time.Second).UnixMilli())
}

// generate calls the model with prompt text, switching to the fallback
// model on rate-limit class errors.
func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	model := c.activeModel()
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "429") || strings.Contains(errStr, "503") ||
			strings.Contains(errStr, "RESOURCE_EXHAUSTED") || strings.Contains(errStr, "UNAVAILABLE") {
			c.degrade()
			resp, err = c.client.Models.GenerateContent(ctx, c.fallbackModel, genai.Text(prompt), nil)
			if err != nil {
				return "", fmt.Errorf("llm: generate (fallback): %w", err)
			}
		} else {
			return "", fmt.Errorf("llm: generate: %w", err)
		}
	}
	return strings.TrimSpace(resp.Text()), nil
}

// Analyze produces a validated AnalysisResult, retrying once with a repair
// instruction if the first response fails schema validation.
func (c *Client) Analyze(ctx context.Context, payload promptctx.PromptPayload) (AnalysisResult, error) {
	prompt := promptctx.Render(payload)
	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return AnalysisResult{}, err
	}

	result, verr := parseAndValidate[AnalysisResult](raw, analysisSchemaLoader)
	if verr == nil {
		return result, nil
	}

	slog.Warn("llm: analyze output failed validation, retrying with repair prompt", "err", verr)
	repaired, err := c.generate(ctx, prompt+"\n\nYour previous response was invalid JSON or missing required fields: "+verr.Error()+". Respond again with ONLY valid JSON matching the schema.")
	if err != nil {
		return AnalysisResult{}, err
	}
	result, verr = parseAndValidate[AnalysisResult](repaired, analysisSchemaLoader)
	if verr != nil {
		return AnalysisResult{}, fmt.Errorf("llm: analyze output malformed after repair attempt: %w", verr)
	}
	return result, nil
}

// Narrate produces a validated NarrationResult with the same one-shot
// repair retry as Analyze.
func (c *Client) Narrate(ctx context.Context, payload promptctx.PromptPayload, analysis AnalysisResult) (NarrationResult, error) {
	prompt := promptctx.Render(payload) + fmt.Sprintf("\n\nAnalysis: %s (momentum: %s)\n", analysis.SignificantChange, analysis.MomentumImpact)
	for _, tp := range analysis.TalkingPoints {
		prompt += "- " + tp + "\n"
	}
	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return NarrationResult{}, err
	}

	result, verr := parseAndValidate[NarrationResult](raw, narrationSchemaLoader)
	if verr == nil {
		return result, nil
	}

	slog.Warn("llm: narrate output failed validation, retrying with repair prompt", "err", verr)
	repaired, err := c.generate(ctx, prompt+"\n\nYour previous response was invalid JSON or missing required fields: "+verr.Error()+". Respond again with ONLY valid JSON matching the schema.")
	if err != nil {
		return NarrationResult{}, err
	}
	result, verr = parseAndValidate[NarrationResult](repaired, narrationSchemaLoader)
	if verr != nil {
		return NarrationResult{}, fmt.Errorf("llm: narrate output malformed after repair attempt: %w", verr)
	}
	return result, nil
}

// parseAndValidate strips any markdown code fence the model may have
// wrapped its JSON in, validates against schema, and unmarshals into T.
func parseAndValidate[T any](raw string, loader jsonLoader) (T, error) {
	var zero T
	clean := stripFence(raw)

	errs, err := validateJSON([]byte(clean), loader)
	if err != nil {
		return zero, err
	}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return zero, fmt.Errorf("%s", strings.Join(msgs, "; "))
	}

	var out T
	if err := json.Unmarshal([]byte(clean), &out); err != nil {
		return zero, fmt.Errorf("unmarshal: %w", err)
	}
	return out, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

func (c *Client) Close() {
	// The genai client holds no connection that needs explicit closing.
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"vodnotes/internal/config"
	"vodnotes/internal/models"
	"vodnotes/internal/retry"
)

// Client drives the summarize stages through the Anthropic Messages API.
type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:     anthropic.Model(cfg.AnthropicModel),
		maxTokens: int64(cfg.LLMMaxTokens),
	}
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
		Temperature: anthropic.Float(0.2),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", retry.Transient(fmt.Errorf("empty completion from model"))
	}
	return out.String(), nil
}

const summarizeSystem = "You summarize video transcript excerpts into concise markdown bullet notes. Preserve concrete facts, numbers and names. Output markdown only."

func (c *Client) SummarizeChunk(ctx context.Context, chunkText string) (string, error) {
	user := "Summarize this transcript excerpt as 3-8 markdown bullets:\n\n" + chunkText
	return c.complete(ctx, summarizeSystem, user)
}

const reduceSystem = "You merge per-section video notes into one coherent markdown document. Use '## ' section headings, starting with '## Summary'. Keep bullets tight and deduplicate overlapping points. Output markdown only."

func (c *Client) ReduceSummaries(ctx context.Context, mapSummariesMD string) (string, error) {
	user := "Merge these per-section notes into a single document:\n\n" + mapSummariesMD
	return c.complete(ctx, reduceSystem, user)
}

const chapterSystem = "You segment video notes into chapters. For each chapter output a header line of the exact form '### M:SS - M:SS | Title' followed by bullet lines starting with '- '. Output nothing else."

func (c *Client) ExtractChapters(ctx context.Context, mapSummariesMD string) (string, error) {
	user := "Derive chapters from these timestamped section notes:\n\n" + mapSummariesMD
	return c.complete(ctx, chapterSystem, user)
}

const takeawaySystem = "You extract key takeaways from video notes. Respond with a JSON array of strings and nothing else."

func (c *Client) ExtractTakeaways(ctx context.Context, summaryMD string) ([]string, error) {
	raw, err := c.complete(ctx, takeawaySystem, "Extract 3-7 key takeaways:\n\n"+summaryMD)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(extractJSON(raw, '[', ']')), &out); err != nil {
		// A re-prompt may produce valid JSON where this response did not.
		return nil, retry.Transient(fmt.Errorf("parse takeaways json: %w", err))
	}
	return out, nil
}

const actionItemSystem = `You extract action items from video notes. Respond with a JSON array of objects with keys "content", "owner" (nullable), "due_date" (nullable) and nothing else. Respond with [] when there are none.`

func (c *Client) ExtractActionItems(ctx context.Context, summaryMD string) ([]models.ActionItem, error) {
	raw, err := c.complete(ctx, actionItemSystem, "Extract action items:\n\n"+summaryMD)
	if err != nil {
		return nil, err
	}
	var out []models.ActionItem
	if err := json.Unmarshal([]byte(extractJSON(raw, '[', ']')), &out); err != nil {
		return nil, retry.Transient(fmt.Errorf("parse action items json: %w", err))
	}
	return out, nil
}

const answerSystem = "You answer questions about a video using only the provided transcript excerpts. If the excerpts do not contain the answer, say so. Be concise."

// Answer responds to a user question grounded on retrieved transcript chunks.
func (c *Client) Answer(ctx context.Context, question, excerpts string) (string, error) {
	user := fmt.Sprintf("Transcript excerpts:\n\n%s\n\nQuestion: %s", excerpts, question)
	return c.complete(ctx, answerSystem, user)
}

// extractJSON trims prose the model may wrap around a JSON value, including
// markdown code fences.
func extractJSON(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

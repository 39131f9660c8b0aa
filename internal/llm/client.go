package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/equipkb/backend/pkg/circuitbreaker"
	"github.com/equipkb/backend/pkg/logger"
	"github.com/equipkb/backend/pkg/retry"
)

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

// Validation is the verdict on one candidate source: how confident the
// validator is that the source covers the expected equipment, why, and what
// category of document it looks like.
type Validation struct {
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Category   string  `json:"category"`
}

// FamilyGuess is an inferred product family for a model number.
type FamilyGuess struct {
	Name    string   `json:"name"`
	Pattern string   `json:"pattern"`
	Members []string `json:"members"`
}

// ReasonedSource is a tier-3 result: the model's best knowledge of where the
// manual for this equipment lives, produced without structured search.
type ReasonedSource struct {
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

func NewClient(apiKey, model, embeddingModel string, temperature float32, maxTokens int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
	}

	var content string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			})
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			logger.Debug("Completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			content = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	return content, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: []string{text},
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return embedding, nil
}

// ValidateSource scores a candidate source against the expected equipment.
// Returning an error means the provider failed; the cascade treats that the
// same as a zero-confidence verdict.
func (c *Client) ValidateSource(ctx context.Context, title, url, snippet, manufacturer, model string) (*Validation, error) {
	systemPrompt := `You validate candidate documentation sources for industrial equipment.
Given a search hit and the expected manufacturer and model, judge whether the source
is authoritative documentation for that exact equipment.

Categories:
- service_manual: full service/repair manual
- user_manual: operator/user guide
- spec_sheet: specification or data sheet
- parts_list: parts catalog or diagram
- fault_codes: error/fault code reference
- unrelated: not documentation for this equipment

Return JSON only:
{"confidence": 0.0, "reasoning": "one sentence", "category": "service_manual"}`

	userPrompt := fmt.Sprintf(`Expected equipment: %s %s

Candidate:
Title: %s
URL: %s
Snippet: %s

Validate.`, manufacturer, model, title, url, snippet)

	content, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    300,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to validate source: %w", err)
	}

	var v Validation
	if err := unmarshalLoose(content, &v); err != nil {
		return nil, fmt.Errorf("failed to parse validation: %w", err)
	}

	logger.Debug("Source validated",
		zap.String("url", url),
		zap.Float64("confidence", v.Confidence),
		zap.String("category", v.Category),
	)
	return &v, nil
}

// Synthesize composes an answer from several knowledge fragments, citing each.
func (c *Client) Synthesize(ctx context.Context, query string, fragments []string) (string, error) {
	systemPrompt := `You are a technician assistant for industrial equipment.
Compose an answer strictly from the numbered knowledge fragments provided.
Cite fragments using [n] notation. If the fragments disagree, say so.
Never invent information not present in the fragments.`

	var b strings.Builder
	for i, f := range fragments {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, f)
	}

	userPrompt := fmt.Sprintf("Question: %s\n\nKnowledge fragments:\n%s\nAnswer with citations.", query, b.String())

	content, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.2,
		MaxTokens:    c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to synthesize answer: %w", err)
	}

	return content, nil
}

// ReasonSource is the cascade's tier 3: when structured search found nothing,
// ask the model where documentation for this equipment is normally published.
func (c *Client) ReasonSource(ctx context.Context, manufacturer, model string) (*ReasonedSource, error) {
	systemPrompt := `You locate official documentation for industrial equipment from general knowledge.
Given a manufacturer and model, state where its manual is published (official support
site, distributor portal) and summarize what the manual covers.

Be honest about uncertainty: confidence reflects how sure you are the URL pattern
and coverage are correct for this exact model.

Return JSON only:
{"url": "...", "title": "...", "summary": "...", "confidence": 0.0}`

	userPrompt := fmt.Sprintf("Manufacturer: %s\nModel: %s", manufacturer, model)

	content, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.3,
		MaxTokens:    500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reason about source: %w", err)
	}

	var r ReasonedSource
	if err := unmarshalLoose(content, &r); err != nil {
		return nil, fmt.Errorf("failed to parse reasoned source: %w", err)
	}
	return &r, nil
}

// InferFamily guesses the product family a model belongs to, with sibling
// models sharing the naming pattern.
func (c *Client) InferFamily(ctx context.Context, manufacturer, model string) (*FamilyGuess, error) {
	systemPrompt := `You know industrial equipment product lines.
Given a manufacturer and one model number, name the product family it belongs to,
give a prefix-wildcard pattern matching the family (e.g. "X1*"), and list sibling
model numbers you are confident exist. List only models you actually know; an
empty members list is a valid answer.

Return JSON only:
{"name": "...", "pattern": "...", "members": ["...", "..."]}`

	userPrompt := fmt.Sprintf("Manufacturer: %s\nModel: %s", manufacturer, model)

	content, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.2,
		MaxTokens:    400,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to infer family: %w", err)
	}

	var g FamilyGuess
	if err := unmarshalLoose(content, &g); err != nil {
		return nil, fmt.Errorf("failed to parse family guess: %w", err)
	}
	return &g, nil
}

// unmarshalLoose tolerates prose or code fences around the JSON object.
func unmarshalLoose(content string, v interface{}) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}
	return json.Unmarshal([]byte(content[start:end+1]), v)
}

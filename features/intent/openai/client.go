// Package openai provides dispatch.Classifier and dispatch.Synthesizer
// implementations backed by the OpenAI Chat Completions API using
// github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/creatorhq/maestro/dispatch"
	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/pipeline"
	"github.com/creatorhq/maestro/specialist"
)

const (
	classifySystem = "You route creator analytics questions to specialist analysts. " +
		"Respond with a single JSON object and nothing else: " +
		`{"tag": string, "confidence": number, "specialists": [string]}. ` +
		"Confidence is in [0,1]. Valid tags: general, comprehensive, or one of the specialist kinds."

	synthesizeSystem = "You are a creator analytics assistant. Combine the specialist " +
		"analyses below into one clear, actionable answer for the creator. Do not " +
		"mention the specialists or internal systems."
)

// ChatClient captures the subset of the go-openai client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI intent client.
type Options struct {
	Client ChatClient
	Model  string
}

// Client implements dispatch.Classifier and dispatch.Synthesizer via the
// OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

var (
	_ dispatch.Classifier  = (*Client)(nil)
	_ dispatch.Synthesizer = (*Client)(nil)
)

// New builds an OpenAI-backed intent client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, fault.New(fault.KindConfiguration, "openai client is required")
	}
	if opts.Model == "" {
		return nil, fault.New(fault.KindConfiguration, "model identifier is required")
	}
	return &Client{chat: opts.Client, model: opts.Model}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindConfiguration, "api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), Model: model})
}

// Classify asks the model to route the message and parses its JSON verdict.
func (c *Client) Classify(ctx context.Context, message string, _ pipeline.Snapshot) (dispatch.Intent, error) {
	prompt := fmt.Sprintf("Specialist kinds: %s.\n\nQuestion: %s",
		strings.Join(specialist.Kinds(), ", "), message)
	text, err := c.complete(ctx, classifySystem, prompt)
	if err != nil {
		return dispatch.Intent{}, err
	}
	var verdict classification
	if err := json.Unmarshal([]byte(extractJSON(text)), &verdict); err != nil {
		return dispatch.Intent{}, fault.Wrap(fault.KindExternalAPI, "parse classification", err)
	}
	return normalizeIntent(verdict), nil
}

// Synthesize asks the model to combine the specialist analyses into the final
// answer.
func (c *Client) Synthesize(ctx context.Context, message string, responses []specialist.Response, enrichment pipeline.Snapshot) (string, error) {
	text, err := c.complete(ctx, synthesizeSystem, synthesisPrompt(message, responses, enrichment))
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fault.New(fault.KindExternalAPI, "empty synthesis response")
	}
	return text, nil
}

func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fault.Wrap(fault.KindExternalAPI, "openai chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", fault.New(fault.KindExternalAPI, "empty completion response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classification is the JSON shape the classifier prompt asks for.
type classification struct {
	Tag         string   `json:"tag"`
	Confidence  float64  `json:"confidence"`
	Specialists []string `json:"specialists"`
}

// normalizeIntent validates the model's verdict against the known tags and
// clamps the confidence into [0, 1].
func normalizeIntent(verdict classification) dispatch.Intent {
	known := make(map[string]bool, len(specialist.Kinds()))
	for _, kind := range specialist.Kinds() {
		known[kind] = true
	}
	tag := verdict.Tag
	if tag != dispatch.TagGeneral && tag != dispatch.TagComprehensive && !known[tag] {
		tag = dispatch.TagGeneral
	}
	confidence := verdict.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	var specialists []string
	for _, kind := range verdict.Specialists {
		if known[kind] {
			specialists = append(specialists, kind)
		}
	}
	if tag == dispatch.TagComprehensive && len(specialists) == 0 {
		specialists = specialist.Kinds()
	}
	return dispatch.Intent{Tag: tag, Confidence: confidence, Specialists: specialists}
}

// extractJSON trims everything outside the outermost JSON object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}

// synthesisPrompt renders the question, the specialist analyses, and the
// enrichment snapshot into one prompt.
func synthesisPrompt(message string, responses []specialist.Response, enrichment pipeline.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", message)
	if len(enrichment.KeyMetrics) > 0 {
		b.WriteString("Channel metrics:\n")
		names := make([]string, 0, len(enrichment.KeyMetrics))
		for name := range enrichment.KeyMetrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %s: %.0f\n", name, enrichment.KeyMetrics[name])
		}
		b.WriteString("\n")
	}
	for _, r := range responses {
		fmt.Fprintf(&b, "[%s] %s\n", r.AgentType, r.Analysis.Summary)
		for _, ins := range r.Analysis.KeyInsights {
			fmt.Fprintf(&b, "  insight: %s\n", ins)
		}
		for _, rec := range r.Analysis.Recommendations {
			fmt.Fprintf(&b, "  recommendation: %s\n", rec)
		}
	}
	return b.String()
}

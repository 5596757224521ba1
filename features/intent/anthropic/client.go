// Package anthropic provides dispatch.Classifier and dispatch.Synthesizer
// implementations backed by the Anthropic Claude Messages API. It translates
// classification and synthesis prompts into anthropic.Message calls using
// github.com/anthropics/anthropic-sdk-go and maps responses back into the
// dispatcher's structures.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/creatorhq/maestro/dispatch"
	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/pipeline"
	"github.com/creatorhq/maestro/specialist"
)

const (
	defaultMaxTokens = 1024

	classifySystem = "You route creator analytics questions to specialist analysts. " +
		"Respond with a single JSON object and nothing else: " +
		`{"tag": string, "confidence": number, "specialists": [string]}. ` +
		"Confidence is in [0,1]. Valid tags: general, comprehensive, or one of the specialist kinds."

	synthesizeSystem = "You are a creator analytics assistant. Combine the specialist " +
		"analyses below into one clear, actionable answer for the creator. Do not " +
		"mention the specialists or internal systems."
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used
	// here. It is satisfied by *sdk.MessageService so callers can pass either
	// a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic intent client.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string
		// MaxTokens caps each completion. Defaults to 1024.
		MaxTokens int64
	}

	// Client implements dispatch.Classifier and dispatch.Synthesizer on top
	// of Anthropic Claude Messages.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int64
	}

	// classification is the JSON shape the classifier prompt asks for.
	classification struct {
		Tag         string   `json:"tag"`
		Confidence  float64  `json:"confidence"`
		Specialists []string `json:"specialists"`
	}
)

var (
	_ dispatch.Classifier  = (*Client)(nil)
	_ dispatch.Synthesizer = (*Client)(nil)
)

// New builds an Anthropic-backed intent client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, fault.New(fault.KindConfiguration, "anthropic client is required")
	}
	if opts.Model == "" {
		return nil, fault.New(fault.KindConfiguration, "model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: msg, model: opts.Model, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindConfiguration, "api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
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
	msg, err := c.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", fault.Wrap(fault.KindExternalAPI, "anthropic messages.new", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// normalizeIntent validates the model's verdict against the known tags and
// clamps the confidence into [0, 1]. Unknown tags collapse to general rather
// than routing to a specialist that does not exist.
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

// extractJSON trims everything outside the outermost JSON object so prose
// around the payload does not break parsing.
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

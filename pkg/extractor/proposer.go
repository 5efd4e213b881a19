package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/Mindburn-Labs/regtruth/pkg/config"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

// Proposer suggests candidate facts for one evidence record. Its output is
// never trusted: every candidate goes through Accept.
type Proposer interface {
	Propose(ctx context.Context, ev *model.Evidence, text string) ([]Candidate, error)
}

// StaticProposer returns a fixed candidate list. Used by the heartbeat and tests.
type StaticProposer []Candidate

func (p StaticProposer) Propose(context.Context, *model.Evidence, string) ([]Candidate, error) {
	return p, nil
}

const systemPrompt = `You extract regulatory facts from source text.
Return a JSON object {"facts": [...]} where each fact has:
domain, value_type, extracted_value, display_value, exact_quote, confidence (0..1), shape.
exact_quote MUST be copied character for character from the text and MUST contain the value.
Never infer, compute or paraphrase a value. If the text states no value, return {"facts": []}.`

// maxPromptRunes bounds the evidence text sent per request.
const maxPromptRunes = 24000

// OpenAIProposer proposes candidates with an OpenAI-compatible chat completions API.
type OpenAIProposer struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIProposer creates a proposer from configuration.
func NewOpenAIProposer(cfg config.ProposerConfig) (*OpenAIProposer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &OpenAIProposer{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   modelName,
		timeout: timeout,
	}, nil
}

type proposal struct {
	Facts []Candidate `json:"facts"`
}

// Propose sends the evidence text and parses the returned facts.
func (p *OpenAIProposer) Propose(ctx context.Context, ev *model.Evidence, text string) ([]Candidate, error) {
	if r := []rune(text); len(r) > maxPromptRunes {
		text = string(r[:maxPromptRunes])
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Source: " + ev.SourceURL + "\n\n" + text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(strings.TrimSuffix(content, "```"), "```json")

	var out proposal
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return out.Facts, nil
}

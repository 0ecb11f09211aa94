package reasoning

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/tbourn/go-site-agent/internal/memory"
)

// OpenAI is a Reasoner backed by the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

// NewOpenAI builds a reasoner for model. baseURL may be empty.
func NewOpenAI(apiKey, baseURL, model string, log zerolog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log.With().Str("component", "reasoning").Logger(),
	}
}

// Next sends the request and maps the first choice to an Outcome. Only the
// first tool call is honoured.
func (o *OpenAI) Next(ctx context.Context, req Request) (Outcome, error) {
	creq := openai.ChatCompletionRequest{
		Model: o.model,
		// Zero is dropped by omitempty; this is the smallest value the API treats as deterministic.
		Temperature: math.SmallestNonzeroFloat32,
		Messages:    buildMessages(req),
	}
	if len(req.Tools) > 0 {
		creq.Tools = make([]openai.Tool, 0, len(req.Tools))
		for _, d := range req.Tools {
			creq.Tools = append(creq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        d.Name,
					Description: d.Description,
					Parameters:  d.Parameters,
				},
			})
		}
		creq.ParallelToolCalls = false
	}

	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return Outcome{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Outcome{}, ErrEmptyOutcome
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		if len(msg.ToolCalls) > 1 {
			o.log.Warn().Int("tool_calls", len(msg.ToolCalls)).Msg("ignoring extra tool calls")
		}
		tc := msg.ToolCalls[0]
		return Outcome{
			Kind: OutcomeToolCall,
			Text: msg.Content,
			ToolCall: &memory.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}, nil
	}
	if strings.TrimSpace(msg.Content) == "" {
		return Outcome{}, ErrEmptyOutcome
	}
	return Outcome{Kind: OutcomeText, Text: msg.Content}, nil
}

func buildMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.History)+len(req.Steps)+2)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, t := range req.History {
		out = append(out, toMessage(t))
	}
	out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Input})
	for _, t := range req.Steps {
		out = append(out, toMessage(t))
	}
	return out
}

func toMessage(t memory.Turn) openai.ChatCompletionMessage {
	switch t.Role {
	case memory.RoleTool:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: t.Content, ToolCallID: t.ToolCallID}
	case memory.RoleAssistant:
		m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: t.Content}
		if t.ToolCall != nil {
			m.ToolCalls = []openai.ToolCall{{
				ID:   t.ToolCall.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      t.ToolCall.Name,
					Arguments: t.ToolCall.Arguments,
				},
			}}
		}
		return m
	default:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t.Content}
	}
}

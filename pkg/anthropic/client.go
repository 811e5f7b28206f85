// Package anthropic adapts the official Anthropic SDK to the small message
// surface the AI completion layer needs.
package anthropic

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client sends a single completion request to the Messages API.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is the subset of Messages API parameters the completion
// layer sets.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64
}

// SystemBlock is one system prompt block. A non-nil CacheControl places a
// prompt-cache breakpoint after it.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl holds the breakpoint TTL, "5m" or "1h". Empty uses the API default.
type CacheControl struct {
	TTL string
}

// Message is a conversation turn. Any role other than "assistant" is sent as user.
type Message struct {
	Role    string
	Content string
}

// ContentBlock is one block of a response.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage carries the token counts billed for one call.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// LogCost emits the per-call cost attribution line.
func (u TokenUsage) LogCost(model, operation string, costUSD float64) {
	zap.L().Info("anthropic: call cost",
		zap.String("model", model),
		zap.String("operation", operation),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("cost_usd", costUSD),
	)
}

// MessageResponse is the decoded reply.
type MessageResponse struct {
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      TokenUsage
}

// Text concatenates the text blocks.
func (r *MessageResponse) Text() string {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "" || c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

type sdkClient struct {
	client sdk.Client
}

// NewClient returns a Client using the official SDK. Extra options (base URL,
// retry count) are applied after the API key.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	return &sdkClient{client: sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	msg, err := c.client.Messages.New(ctx, req.params())
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}
	return newResponse(msg), nil
}

func (r MessageRequest) params() sdk.MessageNewParams {
	p := sdk.MessageNewParams{
		Model:     sdk.Model(r.Model),
		MaxTokens: r.MaxTokens,
		Messages:  make([]sdk.MessageParam, 0, len(r.Messages)),
	}
	for _, m := range r.Messages {
		text := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			p.Messages = append(p.Messages, sdk.NewAssistantMessage(text))
		} else {
			p.Messages = append(p.Messages, sdk.NewUserMessage(text))
		}
	}
	for _, b := range r.System {
		block := sdk.TextBlockParam{Text: b.Text}
		if b.CacheControl != nil {
			block.CacheControl = sdk.NewCacheControlEphemeralParam()
			if b.CacheControl.TTL != "" {
				block.CacheControl.TTL = sdk.CacheControlEphemeralTTL(b.CacheControl.TTL)
			}
		}
		p.System = append(p.System, block)
	}
	if r.Temperature != nil {
		p.Temperature = sdk.Float(*r.Temperature)
	}
	return p
}

func newResponse(msg *sdk.Message) *MessageResponse {
	resp := &MessageResponse{
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Content:    make([]ContentBlock, 0, len(msg.Content)),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		resp.Content = append(resp.Content, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return resp
}

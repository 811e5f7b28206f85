// Package gemini adapts the Google GenAI SDK for embeddings and text
// generation.
package gemini

import (
	"context"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

// DefaultEmbeddingModel is used when no embedding model is configured.
const DefaultEmbeddingModel = "text-embedding-004"

// taskSimilarity asks the embedding API for vectors tuned for similarity.
const taskSimilarity = "SEMANTIC_SIMILARITY"

// Client defines the Gemini operations used by the AI layer.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is a single-turn generation request.
type GenerateRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	JSON        bool
}

// GenerateResponse is the text and usage of one generation.
type GenerateResponse struct {
	Model        string
	Text         string
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// models is the slice of genai.Models used here.
type models interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type sdkClient struct {
	models         models
	embeddingModel string
}

// Option configures the client.
type Option func(*sdkClient)

// WithEmbeddingModel overrides DefaultEmbeddingModel.
func WithEmbeddingModel(model string) Option {
	return func(c *sdkClient) {
		if model != "" {
			c.embeddingModel = model
		}
	}
}

// NewClient creates a Gemini client backed by the GenAI SDK.
func NewClient(ctx context.Context, apiKey string, opts ...Option) (Client, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return newClient(client.Models, opts...), nil
}

func newClient(m models, opts ...Option) *sdkClient {
	c := &sdkClient{models: m, embeddingModel: DefaultEmbeddingModel}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *sdkClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := c.models.EmbedContent(ctx, c.embeddingModel, contents, &genai.EmbedContentConfig{
		TaskType: taskSimilarity,
	})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: embed content")
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		got := 0
		if result != nil {
			got = len(result.Embeddings)
		}
		return nil, eris.Errorf("gemini: expected %d embeddings, got %d", len(texts), got)
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		if emb == nil {
			return nil, eris.Errorf("gemini: embedding %d is empty", i)
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

func (c *sdkClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	resp, err := c.models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), toGenerateConfig(req))
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}
	return fromGenerateResponse(req.Model, resp), nil
}

func toGenerateConfig(req GenerateRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func fromGenerateResponse(model string, resp *genai.GenerateContentResponse) *GenerateResponse {
	out := &GenerateResponse{Model: model}
	if resp == nil {
		return out
	}
	out.Text = resp.Text()
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
		out.CachedTokens = int(u.CachedContentTokenCount)
	}
	return out
}

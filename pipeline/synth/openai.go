package synth

import (
	"context"
	"errors"
	"fmt"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIGenerator implements Generator for OpenAI's Chat Completions
// API.
//
// The request seed is forwarded to the API, which makes completions
// reproducible enough for replay verification on models that honor it.
type OpenAIGenerator struct {
	client    openai.Client
	modelName string
}

// NewOpenAIGenerator creates a generator for the given model. An empty
// model name selects gpt-4o-mini.
func NewOpenAIGenerator(apiKey, modelName string) *OpenAIGenerator {
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}
	return &OpenAIGenerator{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.modelName),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.Seed != 0 {
		params.Seed = openai.Int(req.Seed)
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classifyOpenAIError(err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	return Response{
		Text:         text,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}, nil
}

// classifyOpenAIError maps SDK errors onto the transient/fatal taxonomy.
func classifyOpenAIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		wrapped := fmt.Errorf("openai API error (status %d): %w", apierr.StatusCode, err)
		if retryableStatus(apierr.StatusCode) {
			return pipeline.Transient(wrapped)
		}
		return pipeline.Fatal(wrapped)
	}
	return pipeline.Transient(fmt.Errorf("openai request failed: %w", err))
}

package synth

import (
	"context"
	"errors"
	"fmt"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleGenerator implements Generator for Google's Gemini API.
//
// The client is created per call because the genai SDK ties its
// connection lifetime to a context; generation calls are seconds-long,
// so the setup cost is noise.
type GoogleGenerator struct {
	apiKey    string
	modelName string
}

// NewGoogleGenerator creates a generator for the given model. An empty
// model name selects gemini-2.5-flash.
func NewGoogleGenerator(apiKey, modelName string) *GoogleGenerator {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &GoogleGenerator{
		apiKey:    apiKey,
		modelName: modelName,
	}
}

// Generate implements Generator.
func (g *GoogleGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if g.apiKey == "" {
		return Response{}, pipeline.Fatal(errors.New("google API key is required"))
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return Response{}, pipeline.Transient(fmt.Errorf("failed to create Google client: %w", err))
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(g.modelName)
	if req.MaxTokens > 0 {
		maxTokens := int32(req.MaxTokens)
		genModel.MaxOutputTokens = &maxTokens
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		genModel.Temperature = &temp
	}
	if req.System != "" {
		genModel.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	resp, err := genModel.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, classifyGoogleError(err)
	}

	text := ""
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}

	out := Response{
		Text:  text,
		Model: g.modelName,
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// classifyGoogleError maps API errors onto the transient/fatal taxonomy.
func classifyGoogleError(err error) error {
	var apierr *googleapi.Error
	if errors.As(err, &apierr) {
		wrapped := fmt.Errorf("google API error (status %d): %w", apierr.Code, err)
		if retryableStatus(apierr.Code) {
			return pipeline.Transient(wrapped)
		}
		return pipeline.Fatal(wrapped)
	}
	return pipeline.Transient(fmt.Errorf("google request failed: %w", err))
}

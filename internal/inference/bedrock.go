// Package inference wraps the Amazon Bedrock runtime behind a minimal
// text-in/text-out interface. The model is treated as an untrusted,
// occasionally-unavailable dependency: every call carries a deadline and the
// reply body is parsed defensively.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/rs/zerolog/log"
)

// DefaultModelID is the Bedrock text model used when no override is
// configured. Titan Express is cheap and fast enough for short
// classification and summary prompts.
const DefaultModelID = "amazon.titan-text-express-v1"

// Params tune a single text generation call.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Invoker is the text-in/text-out contract the pipeline depends on.
// Fakes implement it in tests; BedrockInvoker is the production
// implementation.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, params Params) (string, error)
}

// titanRequest is the native request shape for Titan text models.
type titanRequest struct {
	InputText            string      `json:"inputText"`
	TextGenerationConfig titanConfig `json:"textGenerationConfig"`
}

type titanConfig struct {
	MaxTokenCount int     `json:"maxTokenCount"`
	Temperature   float64 `json:"temperature"`
}

// titanResponse is the native reply shape for Titan text models.
type titanResponse struct {
	Results []struct {
		OutputText string `json:"outputText"`
	} `json:"results"`
}

// BedrockInvoker calls a Bedrock text model via InvokeModel.
type BedrockInvoker struct {
	client  *bedrockruntime.Client
	modelID string
	timeout time.Duration
}

var _ Invoker = (*BedrockInvoker)(nil)

// NewBedrockInvoker creates an invoker for the given model. A zero timeout
// disables the per-call deadline (callers are expected to bound calls
// themselves in that case).
func NewBedrockInvoker(client *bedrockruntime.Client, modelID string, timeout time.Duration) *BedrockInvoker {
	if modelID == "" {
		modelID = DefaultModelID
	}
	return &BedrockInvoker{client: client, modelID: modelID, timeout: timeout}
}

// Invoke sends prompt to the model and returns the raw output text.
// The reply is parsed defensively: a well-formed HTTP response with an
// unexpected body shape is an error, not a panic.
func (b *BedrockInvoker) Invoke(ctx context.Context, prompt string, params Params) (string, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	body, err := json.Marshal(titanRequest{
		InputText: prompt,
		TextGenerationConfig: titanConfig{
			MaxTokenCount: params.MaxTokens,
			Temperature:   params.Temperature,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal model request: %w", err)
	}

	start := time.Now()
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("InvokeModel %s: %w", b.modelID, err)
	}

	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal model response: %w", err)
	}
	if len(resp.Results) == 0 {
		return "", fmt.Errorf("model %s returned no results", b.modelID)
	}

	log.Debug().
		Str("model", b.modelID).
		Dur("elapsed", time.Since(start)).
		Int("promptLen", len(prompt)).
		Msg("Model invoked")
	return resp.Results[0].OutputText, nil
}

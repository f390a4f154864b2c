package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-speechflow/pkg/inference"
	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

// SynthesisInput is the typed form of the translation stage's output: the
// translated text extracted from the service envelope.
type SynthesisInput struct {
	OutputText string
}

// DecodeSynthesisInput extracts data.output_text from a translation response.
// The decode happens once at the boundary; downstream code never re-inspects
// the envelope.
func DecodeSynthesisInput(payload []byte) (SynthesisInput, error) {
	var envelope struct {
		Data struct {
			OutputText string `json:"output_text"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return SynthesisInput{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if envelope.Data.OutputText == "" {
		return SynthesisInput{}, fmt.Errorf("missing data.output_text")
	}
	return SynthesisInput{OutputText: envelope.Data.OutputText}, nil
}

// NewSynthesisTransform builds the text-to-speech transform. The request
// carries the text and the configured voice gender; on success the full
// service response, including data.s3_url, passes through unchanged.
func NewSynthesisTransform(client *inference.Client, gender string) stageflow.Transform[SynthesisInput] {
	return func(ctx context.Context, in SynthesisInput, logs stageflow.LogEmitter) stageflow.Outcome {
		result := client.PostJSON(ctx, map[string]string{"text": in.OutputText, "gender": gender}, logs)
		return result.Outcome
	}
}

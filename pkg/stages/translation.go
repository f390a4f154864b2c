package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-speechflow/pkg/inference"
	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

// TranslationInput is the typed form of the recognition stage's output.
type TranslationInput struct {
	RecognizedText string `json:"recognized_text"`
}

// DecodeTranslationInput parses and validates a recognition result. A payload
// without a non-empty recognized_text is malformed at this boundary and goes
// to quarantine rather than round-tripping through the service.
func DecodeTranslationInput(payload []byte) (TranslationInput, error) {
	var in TranslationInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return TranslationInput{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if in.RecognizedText == "" {
		return TranslationInput{}, fmt.Errorf("missing recognized_text")
	}
	return in, nil
}

// NewTranslationTransform builds the text translation transform. The service
// request carries the text under "input_text"; on success the full service
// response passes through to the output queue unchanged.
func NewTranslationTransform(client *inference.Client) stageflow.Transform[TranslationInput] {
	return func(ctx context.Context, in TranslationInput, logs stageflow.LogEmitter) stageflow.Outcome {
		result := client.PostJSON(ctx, map[string]string{"input_text": in.RecognizedText}, logs)
		return result.Outcome
	}
}

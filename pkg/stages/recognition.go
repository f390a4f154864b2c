// Package stages supplies the concrete decoders and transforms for each
// pipeline phase: speech recognition, translation, speech synthesis, and the
// plain relay.
package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-speechflow/pkg/inference"
	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

// RecognitionResult is the recognition stage's output schema.
type RecognitionResult struct {
	RecognizedText string `json:"recognized_text"`
}

// DecodeAudio accepts the raw WAV bytes from the recognition input queue.
// The payload is opaque to this stage; only an empty body is malformed.
func DecodeAudio(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	return payload, nil
}

// NewRecognitionTransform builds the audio-to-text transform. It uploads the
// audio as multipart form data under the "audio_file" field and reduces the
// service response to the `{"recognized_text": …}` output contract.
func NewRecognitionTransform(client *inference.Client) stageflow.Transform[[]byte] {
	return func(ctx context.Context, audio []byte, logs stageflow.LogEmitter) stageflow.Outcome {
		result := client.PostMultipart(ctx, "audio_file", "audio.wav", audio, logs)
		if result.Outcome.Kind != stageflow.OutcomeSuccess {
			return result.Outcome
		}

		var data struct {
			RecognizedText *string `json:"recognized_text"`
		}
		if err := json.Unmarshal(result.Response.Data, &data); err != nil || data.RecognizedText == nil {
			logs.Emit(stageflow.LevelError, "recognition response is missing recognized_text")
			return stageflow.DomainFailure("response missing recognized_text")
		}

		out, err := json.Marshal(RecognitionResult{RecognizedText: *data.RecognizedText})
		if err != nil {
			logs.Emit(stageflow.LevelError, fmt.Sprintf("failed to encode recognition result: %v", err))
			return stageflow.DomainFailure("unencodable recognition result")
		}
		return stageflow.Success(out)
	}
}

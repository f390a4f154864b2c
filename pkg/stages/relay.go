package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-speechflow/pkg/stageflow"
)

// DecodeRelay validates that a payload is well-formed JSON and keeps it
// verbatim; relay stages never reshape what they carry.
func DecodeRelay(payload []byte) (json.RawMessage, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(payload), nil
}

// NewRelayTransform builds the passthrough transform used by the bridge
// stages between pipeline phases. No external call is made; the message moves
// to the next stage's input queue structurally unchanged.
func NewRelayTransform() stageflow.Transform[json.RawMessage] {
	return func(_ context.Context, in json.RawMessage, logs stageflow.LogEmitter) stageflow.Outcome {
		logs.Emit(stageflow.LevelInfo, "relaying message to the next stage")
		return stageflow.Success(in)
	}
}

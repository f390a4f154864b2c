package stageflow

// OutcomeKind discriminates the result of a Transform.
type OutcomeKind int

const (
	// OutcomeSuccess carries a payload ready for the output queue.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeAPIFailure covers timeouts, HTTP error statuses, and network
	// errors reaching the external service. The message is requeued.
	OutcomeAPIFailure
	// OutcomeDomainFailure means the external service answered but reported a
	// non-success status. The message is requeued.
	OutcomeDomainFailure
	// OutcomeMalformed means the service reported success but produced a body
	// the stage cannot forward. The payload is quarantined, not requeued.
	OutcomeMalformed
)

// String returns a short name for logging.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAPIFailure:
		return "api_failure"
	case OutcomeDomainFailure:
		return "domain_failure"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of a Transform. Exactly one of the constructor
// functions below produces it; call sites branch exhaustively over Kind.
type Outcome struct {
	Kind OutcomeKind
	// Payload holds the bytes to publish for OutcomeSuccess, or the
	// unforwardable bytes to quarantine for OutcomeMalformed.
	Payload []byte
	// Reason describes a failure: "timeout", "http:<code>", "network", or the
	// message reported by the service.
	Reason string
}

// Success wraps a payload destined for the output queue.
func Success(payload []byte) Outcome {
	return Outcome{Kind: OutcomeSuccess, Payload: payload}
}

// APIFailure marks a transport-level failure of the external call.
func APIFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeAPIFailure, Reason: reason}
}

// DomainFailure marks a non-success status reported by the external service.
func DomainFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeDomainFailure, Reason: reason}
}

// Malformed marks a service response the stage cannot forward.
func Malformed(payload []byte, reason string) Outcome {
	return Outcome{Kind: OutcomeMalformed, Payload: payload, Reason: reason}
}

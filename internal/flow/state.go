package flow

// State is one step of the per-event decision machine. States are computed
// fresh for every event and never persisted.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateIgnored         State = "IGNORED"
	StateProcessing      State = "PROCESSING"
	StateTransferred     State = "TRANSFERRED"
	StateFastPathReplied State = "FAST_PATH_REPLIED"
	StateAIReplied       State = "AI_REPLIED"
	StateDispatched      State = "DISPATCHED"
	StateDone            State = "DONE"
)

// Outcome is the final routing decision reported for an event.
type Outcome string

const (
	OutcomeIgnored         Outcome = "ignored"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeError           Outcome = "error"
	OutcomeTransferred     Outcome = "transferred"
	OutcomeFastPathReplied Outcome = "fast_path_replied"
	OutcomeAIReplied       Outcome = "ai_replied"
)

// DeliveryStatus reports what happened to the outbound reply.
type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// Fast path names reported in Result.FastPath.
const (
	FastPathMenu = "menu"
	FastPathName = "name_request"
)

// Result is the structured outcome of one inbound event.
type Result struct {
	Status         Outcome        `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Reply          string         `json:"reply,omitempty"`
	FastPath       string         `json:"fast_path,omitempty"`
	SendAttempted  bool           `json:"send_attempted"`
	Delivery       DeliveryStatus `json:"delivery,omitempty"`
	OwnerNotified  bool           `json:"owner_notified"`
	Trace          []State        `json:"trace"`
}

func (r *Result) enter(s State) {
	r.Trace = append(r.Trace, s)
}

// Final returns the last state reached.
func (r Result) Final() State {
	if len(r.Trace) == 0 {
		return ""
	}
	return r.Trace[len(r.Trace)-1]
}

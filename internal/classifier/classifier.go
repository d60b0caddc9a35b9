// Package classifier provides the deterministic fast-path detectors applied to
// inbound WhatsApp text before any language-model call.
//
// All detectors are pure functions of their input. RuleClassifier bundles them
// behind the Classifier interface so the orchestrator can be handed a
// different strategy (for instance a model-based one) without changes.
package classifier

// Classifier inspects a message text and reports which fast path applies.
type Classifier interface {
	// IsBotMessage reports whether text looks like it came from another automated system.
	IsBotMessage(text string) bool
	// DetectMenu parses numbered options and picks the preferred one, if any.
	DetectMenu(text string) Menu
	// IsNameRequest reports whether text asks who the customer is talking to.
	IsNameRequest(text string) bool
	// ShouldTransfer reports whether text asks for a human. A nil keywords
	// slice selects DefaultTransferKeywords; an empty non-nil slice disables
	// keyword matching.
	ShouldTransfer(text string, keywords []string) bool
}

// RuleClassifier is the pattern-matching Classifier.
type RuleClassifier struct{}

// NewRuleClassifier creates the default pattern-matching classifier.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

// Compile-time check that RuleClassifier implements Classifier.
var _ Classifier = (*RuleClassifier)(nil)

func (RuleClassifier) IsBotMessage(text string) bool { return IsBotMessage(text) }

func (RuleClassifier) DetectMenu(text string) Menu { return DetectMenu(text) }

func (RuleClassifier) IsNameRequest(text string) bool { return IsNameRequest(text) }

func (RuleClassifier) ShouldTransfer(text string, keywords []string) bool {
	return ShouldTransfer(text, keywords)
}

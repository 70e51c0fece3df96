// Package risk combines independent verification signals into a single
// bounded risk score and a recommended action.
//
// Signals come from four provenances: threat tags found in submitted text,
// the automated bot-detection signal, burst activity in the subject's recent
// audit trail, and missing environment attributes. Scores range 0 (safe) to
// 100 (hostile). Scoring is deterministic: the same signal list always yields
// the same assessment, which makes retries and tests safe.
package risk

import (
	"strconv"

	"github.com/mbd888/checkpoint/internal/sanitize"
)

// Source identifies the provenance of a signal.
type Source string

const (
	SourceTextThreat    Source = "text_threat"
	SourceAutomated     Source = "automated_signal"
	SourceBurstActivity Source = "burst_activity"
	SourceEnvIncomplete Source = "environment_incompleteness"
)

// Action is the scorer's recommendation for a verification attempt.
type Action string

const (
	ActionPass      Action = "pass"
	ActionChallenge Action = "challenge"
	ActionReject    Action = "reject"
)

// Default decision thresholds. Tunable configuration, not business rules.
const (
	DefaultPassThreshold     = 50
	DefaultChallengeCeiling  = 80
	DefaultHardRejectCeiling = 95
)

// Signal weights by threat tag.
const (
	weightInjection = 10 // injection_sql, injection_script
	weightTraversal = 8  // path_traversal, command_injection
	weightOtherTag  = 5
)

// Signal is one piece of evidence contributing to a risk score.
// Signals are ephemeral; only the resulting assessment is kept.
type Signal struct {
	Source Source            `json:"source"`
	Weight float64           `json:"weight"`
	Detail map[string]string `json:"detail,omitempty"`
}

// Assessment is the result of scoring one list of signals.
// Immutable once computed.
type Assessment struct {
	Score   int      `json:"score"`
	Action  Action   `json:"action"`
	Signals []Signal `json:"signals"`
}

// TagWeight returns the fixed score contribution for a threat tag.
func TagWeight(tag sanitize.Tag) float64 {
	switch tag {
	case sanitize.TagInjectionSQL, sanitize.TagInjectionScript:
		return weightInjection
	case sanitize.TagPathTraversal, sanitize.TagCommandInjection:
		return weightTraversal
	default:
		return weightOtherTag
	}
}

// TagSignals builds one text_threat signal per detected tag.
func TagSignals(tags []sanitize.Tag) []Signal {
	var signals []Signal
	for _, tag := range tags {
		signals = append(signals, Signal{
			Source: SourceTextThreat,
			Weight: TagWeight(tag),
			Detail: map[string]string{"tag": string(tag)},
		})
	}
	return signals
}

// AutomatedSignal builds a signal from the bot-detection confidence (0-100).
func AutomatedSignal(confidence float64, isBot bool) Signal {
	detail := map[string]string{"isBot": "false"}
	if isBot {
		detail["isBot"] = "true"
	}
	return Signal{Source: SourceAutomated, Weight: clamp(confidence), Detail: detail}
}

// BurstSignal is the additive penalty applied when the subject's trailing
// window event count exceeded the abuse threshold.
func BurstSignal(eventCount int) Signal {
	return Signal{
		Source: SourceBurstActivity,
		Weight: 30,
		Detail: map[string]string{"eventsInWindow": strconv.Itoa(eventCount)},
	}
}

// IncompleteEnvSignal is the additive penalty applied when environment
// fingerprinting failed or required attributes were unobtainable.
func IncompleteEnvSignal(reason string) Signal {
	return Signal{
		Source: SourceEnvIncomplete,
		Weight: 20,
		Detail: map[string]string{"reason": reason},
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

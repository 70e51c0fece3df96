// Package verify implements the verification state machine that decides
// whether a sensitive action is allowed, challenged, or denied.
//
// One Attempt covers one protected action end to end: collect an automated
// bot-detection signal, score the accumulated risk, optionally demand a human
// challenge, and finalize an allowed/denied decision. Transitions for a single
// attempt are strictly serialized; attempts for different subjects or actions
// run fully in parallel. Every decision is written to the audit trail.
package verify

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/checkpoint/internal/risk"
	"github.com/mbd888/checkpoint/internal/sanitize"
)

// State of a verification attempt.
type State string

const (
	StateCollectingSignal  State = "collecting_signal"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateDecided           State = "decided"
)

// Decision is the final outcome of a decided attempt.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// Difficulty of a requested human challenge. Chosen by the caller, passed
// through to the challenge provider untouched.
type Difficulty string

const (
	DifficultyLow    Difficulty = "low"
	DifficultyMedium Difficulty = "medium"
	DifficultyHigh   Difficulty = "high"
)

// Sentinel errors returned by the pipeline.
var (
	ErrAttemptNotFound         = errors.New("verification attempt not found")
	ErrInvalidState            = errors.New("invalid state for this operation")
	ErrCollaboratorUnavailable = errors.New("external collaborator unavailable")
)

// AutomatedSignal is the bot-detection result supplied by the external
// provider, plus the environment fingerprint outcome.
type AutomatedSignal struct {
	IsBot         bool    `json:"isBot"`
	Confidence    float64 `json:"confidence"` // 0-100
	FingerprintOK bool    `json:"fingerprintOk"`
	FingerprintID string  `json:"fingerprintId,omitempty"`
}

// Attempt is one run of the verification state machine. Mutated only by the
// pipeline's own transition handlers; immutable once State is decided.
type Attempt struct {
	ID            string            `json:"id"`
	SubjectID     string            `json:"subjectId"`
	ContextID     string            `json:"contextId"`
	Text          string            `json:"text,omitempty"` // sanitized
	ThreatTags    []sanitize.Tag    `json:"threatTags,omitempty"`
	Difficulty    Difficulty        `json:"difficulty"`
	State         State             `json:"state"`
	Assessments   []risk.Assessment `json:"assessments,omitempty"`
	FinalDecision Decision          `json:"finalDecision,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	ProofSupplied bool              `json:"proofSupplied"`
	Signal        *AutomatedSignal  `json:"signal,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	DecidedAt     *time.Time        `json:"decidedAt,omitempty"`
}

// IsTerminal reports whether the attempt has reached its final state.
func (a *Attempt) IsTerminal() bool {
	return a.State == StateDecided
}

// LastScore returns the score of the most recent assessment, or 0 when no
// assessment has been computed yet.
func (a *Attempt) LastScore() int {
	if len(a.Assessments) == 0 {
		return 0
	}
	return a.Assessments[len(a.Assessments)-1].Score
}

// Store persists verification attempts. Attempts are ephemeral working state;
// the durable record of each verification is its audit event.
type Store interface {
	Create(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	Update(ctx context.Context, a *Attempt) error
}

// SignalRequester notifies the external widget collaborators that input is
// needed. Implementations deliver the request out of band (push channel,
// polling response, etc.); results come back through the pipeline's Supply*
// entry points.
type SignalRequester interface {
	RequestAutomatedSignal(ctx context.Context, attemptID, contextID string) error
	RequestChallenge(ctx context.Context, attemptID string, difficulty Difficulty) error
}

// NoopRequester is a SignalRequester for embeddings where the caller drives
// the widgets itself and only needs the Supply* entry points.
type NoopRequester struct{}

func (NoopRequester) RequestAutomatedSignal(context.Context, string, string) error { return nil }
func (NoopRequester) RequestChallenge(context.Context, string, Difficulty) error   { return nil }

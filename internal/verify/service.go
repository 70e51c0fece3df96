package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/checkpoint/internal/abuse"
	"github.com/mbd888/checkpoint/internal/audit"
	"github.com/mbd888/checkpoint/internal/idgen"
	"github.com/mbd888/checkpoint/internal/metrics"
	"github.com/mbd888/checkpoint/internal/risk"
	"github.com/mbd888/checkpoint/internal/sanitize"
	"github.com/mbd888/checkpoint/internal/syncutil"
	"github.com/mbd888/checkpoint/internal/traces"
)

// Pipeline drives verification attempts through the state machine.
//
// Transitions for one attempt ID are serialized through a keyed mutex, so a
// signal and a proof racing for the same attempt resolve in some order and the
// loser observes the state the winner left behind. Attempts for different IDs
// never contend beyond shard collisions.
type Pipeline struct {
	store     Store
	scorer    *risk.Scorer
	trail     *audit.Trail
	tracker   *abuse.Tracker
	requester SignalRequester
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
}

// NewPipeline creates a verification pipeline.
func NewPipeline(store Store, scorer *risk.Scorer, trail *audit.Trail, tracker *abuse.Tracker, requester SignalRequester, logger *slog.Logger) *Pipeline {
	if requester == nil {
		requester = NoopRequester{}
	}
	return &Pipeline{
		store:     store,
		scorer:    scorer,
		trail:     trail,
		tracker:   tracker,
		requester: requester,
		locks:     syncutil.NewKeyedMutex(),
		logger:    logger,
	}
}

// StartRequest carries the inputs for a new verification attempt.
type StartRequest struct {
	SubjectID   string     `json:"subjectId"`
	ContextID   string     `json:"contextId"`
	Text        string     `json:"text,omitempty"`
	AllowMarkup bool       `json:"allowMarkup"`
	Difficulty  Difficulty `json:"difficulty,omitempty"`
}

// Start opens a new attempt in collecting_signal state. Submitted text is
// sanitized up front; detected threat tags stick to the attempt and are
// scored on every later assessment. The automated-signal request goes out to
// the external provider; its failure is surfaced as ErrCollaboratorUnavailable
// with the attempt already created, and the caller is expected to abort.
func (p *Pipeline) Start(ctx context.Context, req StartRequest) (*Attempt, error) {
	ctx, span := traces.StartSpan(ctx, "verify.Start",
		traces.SubjectID(req.SubjectID),
		traces.ContextID(req.ContextID),
	)
	defer span.End()

	if req.Difficulty == "" {
		req.Difficulty = DifficultyMedium
	}

	attempt := &Attempt{
		ID:         idgen.Attempt(),
		SubjectID:  req.SubjectID,
		ContextID:  req.ContextID,
		Difficulty: req.Difficulty,
		State:      StateCollectingSignal,
		CreatedAt:  time.Now().UTC(),
	}

	var result sanitize.Result
	if req.Text != "" {
		result = sanitize.Sanitize(req.Text, sanitize.Options{AllowMarkup: req.AllowMarkup})
		attempt.Text = result.Cleaned
		attempt.ThreatTags = result.Tags
	}

	if err := p.store.Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	// Threat events only after the attempt exists; the trail must never hold
	// events for an attempt that was never created.
	if len(attempt.ThreatTags) > 0 {
		p.recordThreats(ctx, attempt, result)
	}

	p.logger.Info("verification started",
		"attempt", attempt.ID,
		"subject", attempt.SubjectID,
		"context", attempt.ContextID,
		"threat_tags", len(attempt.ThreatTags),
	)

	if err := p.requester.RequestAutomatedSignal(ctx, attempt.ID, attempt.ContextID); err != nil {
		return attempt, fmt.Errorf("%w: automated signal request: %v", ErrCollaboratorUnavailable, err)
	}
	return attempt, nil
}

// SupplyAutomatedSignal delivers the bot-detection result for an attempt in
// collecting_signal state and computes the first assessment. An attempt in any
// other state is left untouched and returned alongside ErrInvalidState, so a
// late or duplicate signal can never overwrite a decision.
func (p *Pipeline) SupplyAutomatedSignal(ctx context.Context, attemptID string, sig AutomatedSignal) (*Attempt, error) {
	ctx, span := traces.StartSpan(ctx, "verify.SupplyAutomatedSignal", traces.AttemptID(attemptID))
	defer span.End()

	unlock, err := p.locks.Lock(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	attempt, err := p.store.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.State != StateCollectingSignal {
		return attempt, fmt.Errorf("%w: attempt is %s", ErrInvalidState, attempt.State)
	}

	sigCopy := sig
	attempt.Signal = &sigCopy

	assessment, ok := p.assess(ctx, attempt)
	if !ok {
		return attempt, nil // failed closed, already decided denied
	}
	span.SetAttributes(traces.Score(assessment.Score))

	switch assessment.Action {
	case risk.ActionPass:
		p.decide(ctx, attempt, DecisionAllowed, "")
	case risk.ActionReject:
		p.decide(ctx, attempt, DecisionDenied, "risk score exceeded reject threshold")
	case risk.ActionChallenge:
		attempt.State = StateAwaitingChallenge
		if err := p.store.Update(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to update attempt: %w", err)
		}
		metrics.ChallengesIssuedTotal.Inc()
		p.logger.Info("challenge issued",
			"attempt", attempt.ID,
			"subject", attempt.SubjectID,
			"score", assessment.Score,
			"difficulty", attempt.Difficulty,
		)
		if err := p.requester.RequestChallenge(ctx, attempt.ID, attempt.Difficulty); err != nil {
			return attempt, fmt.Errorf("%w: challenge request: %v", ErrCollaboratorUnavailable, err)
		}
	}
	return attempt, nil
}

// SupplyChallengeProof delivers a human-challenge proof token for an attempt
// in awaiting_challenge state and computes the deciding assessment. The proof
// downgrades an over-threshold score to a challenge outcome, which with the
// proof in hand resolves to allowed; a blank token counts as no proof, so a
// challenge outcome without one is denied, and scores at or above the hard
// ceiling stay denied no matter what. Wrong-state calls return ErrInvalidState
// with the stored attempt, so exactly one of two racing proof calls
// transitions.
func (p *Pipeline) SupplyChallengeProof(ctx context.Context, attemptID, proofToken string) (*Attempt, error) {
	ctx, span := traces.StartSpan(ctx, "verify.SupplyChallengeProof", traces.AttemptID(attemptID))
	defer span.End()

	unlock, err := p.locks.Lock(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	attempt, err := p.store.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.State != StateAwaitingChallenge {
		return attempt, fmt.Errorf("%w: attempt is %s", ErrInvalidState, attempt.State)
	}

	attempt.ProofSupplied = strings.TrimSpace(proofToken) != ""

	assessment, ok := p.assess(ctx, attempt)
	if !ok {
		return attempt, nil
	}
	span.SetAttributes(traces.Score(assessment.Score))

	switch {
	case assessment.Action == risk.ActionReject:
		metrics.ChallengeProofsTotal.WithLabelValues("rejected").Inc()
		p.decide(ctx, attempt, DecisionDenied, "risk score exceeded hard ceiling")
	case assessment.Action == risk.ActionPass || attempt.ProofSupplied:
		metrics.ChallengeProofsTotal.WithLabelValues("accepted").Inc()
		p.decide(ctx, attempt, DecisionAllowed, "")
	default:
		// A challenge outcome with no valid proof never allows.
		metrics.ChallengeProofsTotal.WithLabelValues("rejected").Inc()
		p.decide(ctx, attempt, DecisionDenied, "challenge not satisfied")
	}
	return attempt, nil
}

// Abort force-decides an attempt as denied after a collaborator failure or
// caller-side timeout. The audit record is a verification_error carrying the
// caller's reason. Aborting an already decided attempt is a no-op returning
// the stored decision.
func (p *Pipeline) Abort(ctx context.Context, attemptID, reason string) (*Attempt, error) {
	ctx, span := traces.StartSpan(ctx, "verify.Abort", traces.AttemptID(attemptID))
	defer span.End()

	unlock, err := p.locks.Lock(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	attempt, err := p.store.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.IsTerminal() {
		return attempt, nil
	}

	if reason == "" {
		reason = "aborted"
	}
	p.decideWithEvent(ctx, attempt, DecisionDenied, reason, audit.EventVerificationError)
	return attempt, nil
}

// Cancel withdraws an in-flight attempt, denying it with reason "cancelled".
// Idempotent: cancelling a decided attempt returns the stored decision.
func (p *Pipeline) Cancel(ctx context.Context, attemptID string) (*Attempt, error) {
	ctx, span := traces.StartSpan(ctx, "verify.Cancel", traces.AttemptID(attemptID))
	defer span.End()

	unlock, err := p.locks.Lock(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	attempt, err := p.store.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.IsTerminal() {
		return attempt, nil
	}

	p.decide(ctx, attempt, DecisionDenied, "cancelled")
	return attempt, nil
}

// Decision returns the attempt's current state and, once decided, the final
// outcome.
func (p *Pipeline) Decision(ctx context.Context, attemptID string) (*Attempt, error) {
	return p.store.Get(ctx, attemptID)
}

// assess recomputes the attempt's risk from every signal currently attached:
// threat tags, the automated signal, the abuse window, and fingerprint
// completeness. Returns false after failing closed on an abuse window read
// error; the attempt is then already decided denied.
func (p *Pipeline) assess(ctx context.Context, attempt *Attempt) (risk.Assessment, bool) {
	signals := risk.TagSignals(attempt.ThreatTags)
	if attempt.Signal != nil {
		signals = append(signals, risk.AutomatedSignal(attempt.Signal.Confidence, attempt.Signal.IsBot))
		if !attempt.Signal.FingerprintOK {
			signals = append(signals, risk.IncompleteEnvSignal("fingerprint_unavailable"))
		}
	}

	status, err := p.tracker.Check(ctx, attempt.SubjectID)
	if err != nil {
		// Fail closed: an unreadable abuse window denies rather than allows.
		p.logger.Error("abuse window check failed",
			"attempt", attempt.ID,
			"subject", attempt.SubjectID,
			"error", err,
		)
		p.decideWithEvent(ctx, attempt, DecisionDenied, "abuse window check failed", audit.EventVerificationError)
		return risk.Assessment{}, false
	}
	p.tracker.FlagIfCrossed(ctx, status)
	if status.Exceeded {
		signals = append(signals, risk.BurstSignal(status.EventCount))
	}

	assessment := p.scorer.Score(signals, attempt.ProofSupplied)
	attempt.Assessments = append(attempt.Assessments, assessment)
	metrics.RiskScore.Observe(float64(assessment.Score))
	return assessment, true
}

// decide finalizes an attempt with the standard allowed/denied audit event.
func (p *Pipeline) decide(ctx context.Context, attempt *Attempt, decision Decision, reason string) {
	eventType := audit.EventVerificationAllowed
	if decision == DecisionDenied {
		eventType = audit.EventVerificationDenied
	}
	p.decideWithEvent(ctx, attempt, decision, reason, eventType)
}

// decideWithEvent moves the attempt to its terminal state and records the
// audit event. The store update happens before the audit write; the audit
// write is best-effort and cannot undo the decision.
func (p *Pipeline) decideWithEvent(ctx context.Context, attempt *Attempt, decision Decision, reason, eventType string) {
	now := time.Now().UTC()
	attempt.State = StateDecided
	attempt.FinalDecision = decision
	attempt.Reason = reason
	attempt.DecidedAt = &now

	if err := p.store.Update(ctx, attempt); err != nil {
		p.logger.Error("failed to persist decision",
			"attempt", attempt.ID,
			"error", err,
		)
	}

	score := attempt.LastScore()
	metrics.DecisionsTotal.WithLabelValues(string(decision)).Inc()
	p.logger.Info("verification decided",
		"attempt", attempt.ID,
		"subject", attempt.SubjectID,
		"decision", decision,
		"score", score,
		"reason", reason,
	)

	detail := map[string]string{
		"attemptId": attempt.ID,
		"contextId": attempt.ContextID,
		"score":     strconv.Itoa(score),
		"decision":  string(decision),
	}
	if reason != "" {
		detail["reason"] = reason
	}
	p.trail.Record(ctx, &audit.SecurityEvent{
		SubjectID: attempt.SubjectID,
		EventType: eventType,
		Severity:  audit.Severity(p.scorer.SeverityBand(score)),
		Detail:    detail,
	})
}

// recordThreats writes the threat_detected event for tags found in submitted
// text and bumps the per-tag counters.
func (p *Pipeline) recordThreats(ctx context.Context, attempt *Attempt, result sanitize.Result) {
	tags := make([]string, len(result.Tags))
	for i, tag := range result.Tags {
		tags[i] = string(tag)
		metrics.ThreatsDetectedTotal.WithLabelValues(string(tag)).Inc()
	}

	var sum float64
	for _, tag := range result.Tags {
		sum += risk.TagWeight(tag)
	}

	p.logger.Warn("threat detected in submitted text",
		"attempt", attempt.ID,
		"subject", attempt.SubjectID,
		"tags", strings.Join(tags, ","),
	)
	p.trail.Record(ctx, &audit.SecurityEvent{
		SubjectID: attempt.SubjectID,
		EventType: audit.EventThreatDetected,
		Severity:  audit.Severity(p.scorer.SeverityBand(int(sum))),
		Detail: map[string]string{
			"attemptId":      attempt.ID,
			"contextId":      attempt.ContextID,
			"tags":           strings.Join(tags, ","),
			"originalLength": strconv.Itoa(result.OriginalLength),
			"cleanedLength":  strconv.Itoa(result.CleanedLength),
		},
	})
}

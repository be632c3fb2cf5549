package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"relay-crm/shared/logx"
	"relay-crm/shared/metricsx"
)

// FiringSink receives one record per rule firing, best-effort. Failures are
// logged and counted, never propagated into the job outcome.
type FiringSink interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// FiringRecorder writes per-firing telemetry points, best-effort.
type FiringRecorder interface {
	WriteFiring(ctx context.Context, orgID string, ruleID string, actionType string, success bool, duration time.Duration, ts time.Time) error
}

// FiringRecord is the wire form published to the firing stream.
type FiringRecord struct {
	EventID     uuid.UUID `json:"event_id"`
	OrgID       uuid.UUID `json:"org_id"`
	RuleID      uuid.UUID `json:"rule_id"`
	TriggerType string    `json:"trigger_type"`
	ActionType  string    `json:"action_type"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Worker processes one queued automation event end to end: decode, match,
// execute every matched rule's action, then ack or fail the job. Any failed
// action fails the whole job so the queue retries the entire event; actions
// are written to tolerate re-application (at-least-once).
type Worker struct {
	rules         RuleSource
	executor      *Executor
	logger        logx.Logger
	firingTopic   string
	firings       FiringSink
	recorder      FiringRecorder
	actionTimeout time.Duration
}

type WorkerOptions struct {
	Rules         RuleSource
	Executor      *Executor
	Logger        logx.Logger
	FiringTopic   string
	Firings       FiringSink
	Recorder      FiringRecorder
	ActionTimeout time.Duration
}

func NewWorker(opts WorkerOptions) *Worker {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	return &Worker{
		rules:         opts.Rules,
		executor:      opts.Executor,
		logger:        opts.Logger,
		firingTopic:   opts.FiringTopic,
		firings:       opts.Firings,
		recorder:      opts.Recorder,
		actionTimeout: opts.ActionTimeout,
	}
}

// HandleEvent is the asynq handler for TaskTypeEvent. Returning a non-nil
// error makes asynq reschedule the job with backoff until the retry ceiling,
// after which the job is archived (dead-lettered).
func (w *Worker) HandleEvent(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("automation").Start(ctx, "automation.event")
	defer span.End()

	env, err := decodeEnvelope(t.Payload())
	if err != nil {
		w.logger.Error(ctx, "event_malformed", "undecodable event payload",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		return err
	}
	span.SetAttributes(
		attribute.String("event.id", env.EventID.String()),
		attribute.String("event.type", string(env.Type)),
	)
	logger := w.logger.WithOrg(env.OrgID.String())

	candidates, err := w.rules.ActiveRules(ctx, env.OrgID, env.Type)
	if err != nil {
		logger.Error(ctx, "rule_lookup_failed", "rule lookup failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("event_id", env.EventID.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("load rules: %w", err)
	}

	matched, skipped := MatchRules(env, candidates)
	for _, s := range skipped {
		metricsx.IncActionConfigError(s.Rule.ActionType)
		logger.Warn(ctx, "rule_skipped", "rule skipped: undecodable trigger config",
			slog.String("rule_id", s.Rule.RuleID.String()),
			slog.String("error", s.Err.Error()),
		)
	}
	if len(matched) == 0 {
		metricsx.IncJobProcessed(string(env.Type), "no_match")
		return nil
	}

	actx, err := contextForEvent(env)
	if err != nil {
		logger.Error(ctx, "event_malformed", "undecodable event data",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("event_id", env.EventID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	var failed int
	var firstErr error
	for _, rule := range matched {
		ruleCtx := actx
		ruleCtx.RuleID = rule.RuleID

		start := time.Now()
		execErr := w.executeRule(ctx, rule.ActionType, rule.ActionConfig, ruleCtx)
		duration := time.Since(start)

		outcome := "ok"
		if execErr != nil {
			outcome = "failed"
			failed++
			if firstErr == nil {
				firstErr = execErr
			}
			errorCode := "INTERNAL_ERROR"
			if errors.Is(execErr, ErrActionConfig) {
				errorCode = "FAILED_PRECONDITION"
				metricsx.IncActionConfigError(rule.ActionType)
			}
			logger.Error(ctx, "action_failed", "rule action failed",
				slog.String("error_code", errorCode),
				slog.String("event_id", env.EventID.String()),
				slog.String("rule_id", rule.RuleID.String()),
				slog.String("action_type", rule.ActionType),
				slog.String("error", execErr.Error()),
			)
		}
		metricsx.IncActionExecuted(rule.ActionType, outcome)
		metricsx.ObserveActionLatency(rule.ActionType, duration)
		w.recordFiring(ctx, env, rule.RuleID, rule.ActionType, execErr, duration)
	}

	if firstErr != nil {
		metricsx.IncJobProcessed(string(env.Type), "failed")
		return fmt.Errorf("event %s: %d of %d actions failed: %w", env.EventID, failed, len(matched), firstErr)
	}
	metricsx.IncJobProcessed(string(env.Type), "ok")
	return nil
}

// executeRule bounds one action with its own timeout so a slow external call
// cannot monopolize the worker slot.
func (w *Worker) executeRule(ctx context.Context, actionType string, rawConfig json.RawMessage, actx ActionContext) error {
	action, err := w.executor.Build(ActionType(actionType), rawConfig)
	if err != nil {
		return err
	}
	actionCtx, cancel := context.WithTimeout(ctx, w.actionTimeout)
	defer cancel()
	return action.Execute(actionCtx, actx)
}

func (w *Worker) recordFiring(ctx context.Context, env Envelope, ruleID uuid.UUID, actionType string, execErr error, duration time.Duration) {
	now := time.Now().UTC()
	outcome := "ok"
	errMsg := ""
	if execErr != nil {
		outcome = "failed"
		errMsg = execErr.Error()
	}

	if w.firings != nil && w.firingTopic != "" {
		record := FiringRecord{
			EventID:     env.EventID,
			OrgID:       env.OrgID,
			RuleID:      ruleID,
			TriggerType: string(env.Type),
			ActionType:  actionType,
			Outcome:     outcome,
			Error:       errMsg,
			DurationMS:  duration.Milliseconds(),
			OccurredAt:  now,
		}
		value, _ := json.Marshal(record)
		headers := map[string]string{
			"event_id": env.EventID.String(),
			"org_id":   env.OrgID.String(),
		}
		if err := w.firings.Publish(ctx, w.firingTopic, []byte(env.OrgID.String()), value, headers); err != nil {
			metricsx.IncFiringStreamFailure()
			w.logger.Warn(ctx, "firing_stream_failed", "failed to publish firing record",
				slog.String("rule_id", ruleID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if w.recorder != nil {
		if err := w.recorder.WriteFiring(ctx, env.OrgID.String(), ruleID.String(), actionType, execErr == nil, duration, now); err != nil {
			metricsx.IncInfluxWriteFailure()
		}
	}
}

// contextForEvent derives the per-firing action context from the typed
// event payload.
func contextForEvent(env Envelope) (ActionContext, error) {
	actx := ActionContext{
		OrgID:   env.OrgID,
		EventID: env.EventID,
	}
	switch env.Type {
	case EventFlowCompleted:
		var data FlowCompletedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return ActionContext{}, fmt.Errorf("decode flow event data: %w", err)
		}
		actx.ContactID = data.ContactID
		actx.Variables = data.Variables
	case EventDealStageChanged:
		var data DealStageChangedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return ActionContext{}, fmt.Errorf("decode deal event data: %w", err)
		}
		actx.ContactID = data.ContactID
		actx.DealID = data.DealID
	case EventContactTagAdded:
		var data ContactTagAddedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return ActionContext{}, fmt.Errorf("decode tag event data: %w", err)
		}
		actx.ContactID = data.ContactID
	case EventContactCreated:
		var data ContactCreatedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return ActionContext{}, fmt.Errorf("decode contact event data: %w", err)
		}
		actx.ContactID = data.ContactID
	default:
		return ActionContext{}, fmt.Errorf("unknown event type %q", env.Type)
	}
	return actx, nil
}

// RetryDelay is the queue backoff policy: quadratic in the attempt count,
// capped at five minutes.
func RetryDelay(attempt int, _ error, _ *asynq.Task) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}

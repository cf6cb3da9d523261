package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/metrics"
	"github.com/eliteGoblin/focusd/flowagent/internal/policy"
)

// RequestHandler answers protocol requests on behalf of the background
// controller. Every request hydrates state first and every accessor is
// filtered by the caller's tier.
type RequestHandler struct {
	store     *StateStore
	policies  *policy.Registry
	timer     *FocusTimer
	gate      *DistractionGate
	exercise  *ExerciseReminder
	converter domain.MarkdownConverter
	recorder  metrics.Recorder
	logger    *zap.Logger
}

// NewRequestHandler creates a request handler. converter may be nil.
func NewRequestHandler(
	store *StateStore,
	policies *policy.Registry,
	timer *FocusTimer,
	gate *DistractionGate,
	exercise *ExerciseReminder,
	converter domain.MarkdownConverter,
	recorder metrics.Recorder,
	logger *zap.Logger,
) *RequestHandler {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &RequestHandler{
		store:     store,
		policies:  policies,
		timer:     timer,
		gate:      gate,
		exercise:  exercise,
		converter: converter,
		recorder:  recorder,
		logger:    logger,
	}
}

// Handle implements domain.Handler.
func (h *RequestHandler) Handle(ctx context.Context, tier domain.Tier, req domain.Request) domain.Response {
	data, err := h.dispatch(ctx, tier, req)
	h.recorder.IncRequest(string(req.Type), err == nil)
	if err != nil {
		h.logger.Debug("request failed",
			zap.String("type", string(req.Type)),
			zap.String("tier", string(tier)),
			zap.Error(err))
		return domain.Response{ID: req.ID, OK: false, Error: err.Error()}
	}

	resp := domain.Response{ID: req.ID, OK: true}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return domain.Response{ID: req.ID, OK: false, Error: fmt.Sprintf("encode response: %v", err)}
		}
		resp.Data = encoded
	}
	return resp
}

func (h *RequestHandler) dispatch(ctx context.Context, tier domain.Tier, req domain.Request) (any, error) {
	p, err := h.policies.Get(tier)
	if err != nil {
		return nil, err
	}
	if tier != domain.TierUI && req.Type != domain.MsgGetState {
		return nil, fmt.Errorf("%w: %s", domain.ErrForbidden, req.Type)
	}
	if err := h.store.EnsureHydrated(ctx); err != nil {
		return nil, err
	}

	switch req.Type {
	case domain.MsgGetState:
		return h.getState(ctx, p, req.Keys)

	case domain.MsgUpdateState:
		var patch domain.Patch
		if err := decodePayload(req.Payload, &patch); err != nil {
			return nil, err
		}
		allowed, dropped := policy.FilterPatch(p, patch)
		if len(dropped) > 0 {
			h.logger.Debug("dropped fields outside allowlist", zap.Strings("keys", dropped))
		}
		if len(allowed) == 0 {
			return nil, domain.ErrNoValidKeys
		}
		delta, err := h.store.Update(ctx, allowed)
		if err != nil {
			return nil, err
		}
		return policy.ProjectDelta(p, delta), nil

	case domain.MsgStartSession:
		var payload domain.StartSessionPayload
		if err := decodePayload(req.Payload, &payload); err != nil {
			return nil, err
		}
		delta, err := h.timer.Start(ctx, payload.Task, time.Duration(payload.IntervalMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return policy.ProjectDelta(p, delta), nil

	case domain.MsgEndSession:
		delta, err := h.timer.Stop(ctx)
		if err != nil {
			return nil, err
		}
		return policy.ProjectDelta(p, delta), nil

	case domain.MsgNavigate:
		var payload domain.NavigatePayload
		if err := decodePayload(req.Payload, &payload); err != nil {
			return nil, err
		}
		decision, err := h.gate.OnNavigate(ctx, payload.TargetID, payload.URL)
		if err != nil {
			return nil, err
		}
		return map[string]any{"decision": decision}, nil

	case domain.MsgSubmitJustification:
		var payload domain.JustificationPayload
		if err := decodePayload(req.Payload, &payload); err != nil {
			return nil, err
		}
		return h.gate.Justify(ctx, payload.TargetID, payload.Text)

	case domain.MsgGetJustifications:
		return h.gate.Log(ctx)

	case domain.MsgCloseTarget:
		var payload domain.NavigatePayload
		if err := decodePayload(req.Payload, &payload); err != nil {
			return nil, err
		}
		return nil, h.gate.CloseTarget(ctx, payload.TargetID)

	case domain.MsgRecordExercise:
		var payload domain.ExercisePayload
		if err := decodePayload(req.Payload, &payload); err != nil {
			return nil, err
		}
		delta, err := h.exercise.RecordRep(ctx, payload.Kind, payload.Count)
		if err != nil {
			return nil, err
		}
		return policy.ProjectDelta(p, delta), nil

	case domain.MsgConvertMarkdown:
		if h.converter == nil {
			return nil, errors.New("markdown conversion not available")
		}
		var payload domain.MarkdownPayload
		if err := decodePayload(req.Payload, &payload); err != nil {
			return nil, err
		}
		md, err := h.converter.Convert(ctx, payload.HTML)
		if err != nil {
			return nil, err
		}
		return map[string]string{"markdown": md}, nil
	}

	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownMessage, req.Type)
}

func (h *RequestHandler) getState(ctx context.Context, p policy.AccessPolicy, keys []string) (any, error) {
	allowed := policy.FilterKeys(p, keys)
	if len(allowed) == 0 {
		return nil, domain.ErrNoValidKeys
	}
	state, err := h.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	return policy.Project(p, state, allowed), nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

var _ domain.Handler = (*RequestHandler)(nil).Handle

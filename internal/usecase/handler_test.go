package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/policy"
)

type stubConverter struct {
	out string
	err error
}

func (c stubConverter) Convert(_ context.Context, html string) (string, error) {
	return c.out, c.err
}

func decodeData(t *testing.T, resp domain.Response) map[string]any {
	t.Helper()
	require.True(t, resp.OK, "response error: %s", resp.Error)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

func TestRequestHandler_GetState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgGetState, nil))
	assert.Equal(t, "req-1", resp.ID)
	data := decodeData(t, resp)
	assert.Equal(t, true, data["distractionGateEnabled"])
	assert.Contains(t, data, "pushupCount")

	resp = h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgGetState, nil, "task", "bogus"))
	assert.Equal(t, map[string]any{"task": ""}, decodeData(t, resp))

	resp = h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgGetState, nil, "bogus"))
	assert.False(t, resp.OK)
	assert.Equal(t, domain.ErrNoValidKeys.Error(), resp.Error)
}

func TestRequestHandler_ObserverSeesOnlyFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.timer.Start(ctx, "secret task", 0)
	require.NoError(t, err)

	resp := h.handler.Handle(ctx, domain.TierObserver, request(t, domain.MsgGetState, nil))
	assert.Equal(t, map[string]any{"isInFlow": true}, decodeData(t, resp))

	resp = h.handler.Handle(ctx, domain.TierObserver, request(t, domain.MsgGetState, nil, "task"))
	assert.False(t, resp.OK)

	resp = h.handler.Handle(ctx, domain.TierObserver, request(t, domain.MsgUpdateState, map[string]any{"isInFlow": false}))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, domain.ErrForbidden.Error())
	assert.True(t, h.state(t).IsInFlow)

	resp = h.handler.Handle(ctx, domain.Tier("page"), request(t, domain.MsgGetState, nil))
	assert.False(t, resp.OK)
}

func TestRequestHandler_UpdateStateFiltersProtectedKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgUpdateState, map[string]any{
		"task":           "plan the week",
		"focusStartTime": 5,
		"pushupCount":    999,
	}))
	data := decodeData(t, resp)
	assert.Equal(t, "plan the week", data["task"])
	assert.NotContains(t, data, "focusStartTime")
	assert.NotContains(t, data, "pushupCount")

	s := h.state(t)
	assert.Equal(t, "plan the week", s.Task)
	assert.Zero(t, s.PushupCount)

	resp = h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgUpdateState, map[string]any{"lastNudgeAt": 1}))
	assert.False(t, resp.OK)
	assert.Equal(t, domain.ErrNoValidKeys.Error(), resp.Error)

	resp = h.handler.Handle(ctx, domain.TierUI, domain.Request{ID: "x", Type: domain.MsgUpdateState})
	assert.False(t, resp.OK, "missing payload")
}

func TestRequestHandler_Sessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgStartSession, domain.StartSessionPayload{Task: " "}))
	assert.False(t, resp.OK)

	resp = h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgStartSession, domain.StartSessionPayload{
		Task:       "deep work",
		IntervalMs: 50 * 60 * 1000,
	}))
	data := decodeData(t, resp)
	assert.Equal(t, true, data["isInFlow"])
	assert.EqualValues(t, 50*60*1000, data["focusDurationMs"])

	resp = h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgEndSession, nil))
	data = decodeData(t, resp)
	assert.Equal(t, false, data["isInFlow"])
}

func TestRequestHandler_GateFlow(t *testing.T) {
	h := gateHarness(t)
	ctx := context.Background()
	h.navigator.Open("tab", "https://reddit.com/")

	resp := h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgNavigate, domain.NavigatePayload{TargetID: "tab", URL: "https://reddit.com/"}))
	assert.Equal(t, "blocked", decodeData(t, resp)["decision"])

	resp = h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgSubmitJustification, domain.JustificationPayload{TargetID: "tab", Text: "no"}))
	assert.False(t, resp.OK)
	assert.Equal(t, domain.ErrJustificationTooShort.Error(), resp.Error)

	resp = h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgSubmitJustification, domain.JustificationPayload{TargetID: "tab", Text: "answering a question"}))
	data := decodeData(t, resp)
	assert.Equal(t, "reddit.com", data["hostname"])

	resp = h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgGetJustifications, nil))
	require.True(t, resp.OK)
	var entries []domain.Justification
	require.NoError(t, json.Unmarshal(resp.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "answering a question", entries[0].Text)

	resp = h.handler.Handle(ctx, domain.TierUI, request(t, domain.MsgCloseTarget, domain.NavigatePayload{TargetID: "tab"}))
	assert.True(t, resp.OK)
	assert.Empty(t, resp.Data)
	assert.False(t, h.scheduler.Has(AlarmGateExpirePrefix+"tab"))
}

func TestRequestHandler_RecordExercise(t *testing.T) {
	h := newHarness(t)

	resp := h.handler.Handle(context.Background(), domain.TierUI, request(t, domain.MsgRecordExercise, domain.ExercisePayload{
		Kind:  domain.ExerciseStretches,
		Count: 4,
	}))
	data := decodeData(t, resp)
	assert.EqualValues(t, 4, data["stretchCount"])
}

func TestRequestHandler_ConvertMarkdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := request(t, domain.MsgConvertMarkdown, domain.MarkdownPayload{HTML: "<p>hi</p>"})

	resp := h.handler.Handle(ctx, domain.TierUI, req)
	assert.False(t, resp.OK, "no converter configured")

	logger := zap.NewNop()
	handler := NewRequestHandler(h.store, policy.NewRegistry(), h.timer, h.gate, h.exercise, stubConverter{out: "hi"}, nil, logger)
	resp = handler.Handle(ctx, domain.TierUI, req)
	data := decodeData(t, resp)
	assert.Equal(t, "hi", data["markdown"])

	handler = NewRequestHandler(h.store, policy.NewRegistry(), h.timer, h.gate, h.exercise, stubConverter{err: errors.New("boom")}, nil, logger)
	resp = handler.Handle(ctx, domain.TierUI, req)
	assert.False(t, resp.OK)
	assert.Equal(t, "boom", resp.Error)
}

func TestRequestHandler_UnknownMessage(t *testing.T) {
	h := newHarness(t)

	resp := h.handler.Handle(context.Background(), domain.TierUI, request(t, "selfDestruct", nil))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, domain.ErrUnknownMessage.Error())
}

func TestRequestHandler_HydrationFailure(t *testing.T) {
	h := newHarness(t)
	h.kv.FailGet.Store(true)

	resp := h.handler.Handle(context.Background(), domain.TierUI, request(t, domain.MsgGetState, nil))
	assert.False(t, resp.OK)

	h.kv.FailGet.Store(false)
	resp = h.handler.Handle(context.Background(), domain.TierUI, request(t, domain.MsgGetState, nil))
	assert.True(t, resp.OK, "hydration is retried on the next request")
}

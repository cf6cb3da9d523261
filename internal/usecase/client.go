package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/metrics"
	"github.com/eliteGoblin/focusd/flowagent/internal/policy"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
)

// ErrTryAgain is returned for operations that have no storage fallback.
var ErrTryAgain = errors.New("background controller is not responding, try again")

// RemoteError is a failure reported by the controller itself.
type RemoteError struct {
	Type    domain.MessageType
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ClientConfig holds foreground client configuration.
type ClientConfig struct {
	Timeout         time.Duration // Per-request deadline
	HeartbeatMaxAge time.Duration // Registry heartbeat older than this means not alive
}

// DefaultClientConfig returns default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:         2 * time.Second,
		HeartbeatMaxAge: 90 * time.Second,
	}
}

// Client is how a foreground surface talks to the background controller.
// When the controller does not answer, reads come from storage directly and
// writes go to storage for the controller to reconcile when it resumes.
type Client struct {
	transport domain.Transport
	registry  domain.ControllerRegistry
	kv        domain.KVStore
	engine    *schema.Engine
	policy    policy.AccessPolicy
	converter domain.MarkdownConverter
	recorder  metrics.Recorder
	config    ClientConfig
	logger    *zap.Logger
}

// NewClient creates a UI-tier client. registry, converter and recorder may be nil.
func NewClient(
	transport domain.Transport,
	registry domain.ControllerRegistry,
	kv domain.KVStore,
	engine *schema.Engine,
	converter domain.MarkdownConverter,
	recorder metrics.Recorder,
	config ClientConfig,
	logger *zap.Logger,
) *Client {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Client{
		transport: transport,
		registry:  registry,
		kv:        kv,
		engine:    engine,
		policy:    policy.NewUIPolicy(),
		converter: converter,
		recorder:  recorder,
		config:    config,
		logger:    logger,
	}
}

// Call sends one request with the bounded timeout. Unreachable controllers
// yield an error wrapping domain.ErrControllerUnavailable.
func (c *Client) Call(ctx context.Context, msgType domain.MessageType, keys []string, payload any) (json.RawMessage, error) {
	if c.transport == nil {
		return nil, domain.ErrControllerUnavailable
	}
	if c.registry != nil && !c.registry.IsAlive(c.config.HeartbeatMaxAge) {
		return nil, fmt.Errorf("%w: not registered", domain.ErrControllerUnavailable)
	}

	req := domain.Request{ID: uuid.NewString(), Type: msgType, Keys: keys}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		req.Payload = raw
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.transport.Request(ctx, domain.TierUI, req)
	if err != nil {
		if errors.Is(err, domain.ErrControllerUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrControllerUnavailable, err)
	}
	if !resp.OK {
		return nil, &RemoteError{Type: msgType, Message: resp.Error}
	}
	return resp.Data, nil
}

// GetState reads fields (all when keys is empty).
func (c *Client) GetState(ctx context.Context, keys ...string) (map[string]any, error) {
	data, err := c.Call(ctx, domain.MsgGetState, keys, nil)
	if err == nil {
		out := map[string]any{}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		return out, nil
	}
	if !errors.Is(err, domain.ErrControllerUnavailable) {
		return nil, err
	}

	c.recorder.IncFallback("read")
	c.logger.Debug("reading state from storage", zap.Error(err))
	if len(policy.FilterKeys(c.policy, keys)) == 0 {
		return nil, domain.ErrNoValidKeys
	}
	state, err := c.readDirect(ctx)
	if err != nil {
		return nil, err
	}
	return policy.Project(c.policy, state, keys), nil
}

// UpdateState writes UI-writable fields.
func (c *Client) UpdateState(ctx context.Context, patch domain.Patch) (domain.Delta, error) {
	allowed, _ := policy.FilterPatch(c.policy, patch)
	if len(allowed) == 0 {
		return nil, domain.ErrNoValidKeys
	}
	data, err := c.Call(ctx, domain.MsgUpdateState, nil, allowed)
	if err == nil {
		return decodeDelta(data)
	}
	if !errors.Is(err, domain.ErrControllerUnavailable) {
		return nil, err
	}
	c.recorder.IncFallback("write")
	c.logger.Debug("writing state to storage", zap.Error(err))
	return c.writeDirect(ctx, allowed)
}

// StartSession starts a focus session. Offline, the session is written with
// the default interval and the controller completes it on resume.
func (c *Client) StartSession(ctx context.Context, task string, interval time.Duration) (domain.Delta, error) {
	data, err := c.Call(ctx, domain.MsgStartSession, nil, domain.StartSessionPayload{
		Task:       task,
		IntervalMs: interval.Milliseconds(),
	})
	if err == nil {
		return decodeDelta(data)
	}
	if !errors.Is(err, domain.ErrControllerUnavailable) {
		return nil, err
	}
	if strings.TrimSpace(task) == "" {
		return nil, domain.ErrEmptyTask
	}
	c.recorder.IncFallback("startSession")
	return c.writeDirect(ctx, domain.Patch{schema.KeyTask: task, schema.KeyIsInFlow: true})
}

// EndSession stops the focus session.
func (c *Client) EndSession(ctx context.Context) (domain.Delta, error) {
	data, err := c.Call(ctx, domain.MsgEndSession, nil, nil)
	if err == nil {
		return decodeDelta(data)
	}
	if !errors.Is(err, domain.ErrControllerUnavailable) {
		return nil, err
	}
	c.recorder.IncFallback("endSession")
	return c.writeDirect(ctx, domain.Patch{schema.KeyIsInFlow: false})
}

// Justify submits a justification. There is no offline path: the allowance
// needs the controller's alarms.
func (c *Client) Justify(ctx context.Context, targetID, text string) (domain.Allowance, error) {
	data, err := c.Call(ctx, domain.MsgSubmitJustification, nil, domain.JustificationPayload{TargetID: targetID, Text: text})
	if err != nil {
		if errors.Is(err, domain.ErrControllerUnavailable) {
			return domain.Allowance{}, ErrTryAgain
		}
		return domain.Allowance{}, err
	}
	var allow domain.Allowance
	if err := json.Unmarshal(data, &allow); err != nil {
		return domain.Allowance{}, fmt.Errorf("decode allowance: %w", err)
	}
	return allow, nil
}

// Navigate reports a navigation and returns the gate decision.
func (c *Client) Navigate(ctx context.Context, targetID, rawURL string) (domain.GateDecision, error) {
	data, err := c.Call(ctx, domain.MsgNavigate, nil, domain.NavigatePayload{TargetID: targetID, URL: rawURL})
	if err != nil {
		return domain.GateUnchecked, err
	}
	var out struct {
		Decision domain.GateDecision `json:"decision"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.GateUnchecked, fmt.Errorf("decode decision: %w", err)
	}
	return out.Decision, nil
}

// Justifications returns the justification log, most recent first.
func (c *Client) Justifications(ctx context.Context) ([]domain.Justification, error) {
	data, err := c.Call(ctx, domain.MsgGetJustifications, nil, nil)
	if err == nil {
		var entries []domain.Justification
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decode justifications: %w", err)
		}
		return entries, nil
	}
	if !errors.Is(err, domain.ErrControllerUnavailable) {
		return nil, err
	}
	c.recorder.IncFallback("justifications")
	return ReadJustifications(ctx, c.kv)
}

// RecordExercise adds reps. Counters are owned by the controller.
func (c *Client) RecordExercise(ctx context.Context, kind domain.ExerciseKind, count int) (domain.Delta, error) {
	data, err := c.Call(ctx, domain.MsgRecordExercise, nil, domain.ExercisePayload{Kind: kind, Count: count})
	if err != nil {
		if errors.Is(err, domain.ErrControllerUnavailable) {
			return nil, ErrTryAgain
		}
		return nil, err
	}
	return decodeDelta(data)
}

// ConvertMarkdown converts HTML, locally when the controller is away.
func (c *Client) ConvertMarkdown(ctx context.Context, html string) (string, error) {
	data, err := c.Call(ctx, domain.MsgConvertMarkdown, nil, domain.MarkdownPayload{HTML: html})
	if err == nil {
		var out map[string]string
		if err := json.Unmarshal(data, &out); err != nil {
			return "", fmt.Errorf("decode markdown: %w", err)
		}
		return out["markdown"], nil
	}
	if !errors.Is(err, domain.ErrControllerUnavailable) || c.converter == nil {
		return "", err
	}
	c.recorder.IncFallback("convertMarkdown")
	return c.converter.Convert(ctx, html)
}

// Subscribe delivers stateUpdated deltas until the returned func is called.
func (c *Client) Subscribe(ctx context.Context, fn func(domain.Delta)) (func(), error) {
	if c.transport == nil {
		return nil, domain.ErrControllerUnavailable
	}
	return c.transport.SubscribeUpdates(ctx, func(d domain.Delta) {
		fn(policy.ProjectDelta(c.policy, d))
	})
}

func (c *Client) readDirect(ctx context.Context) (domain.State, error) {
	raw, err := c.kv.Get(ctx, schema.Keys()...)
	if err != nil {
		return domain.State{}, fmt.Errorf("read storage: %w", err)
	}
	return c.engine.Sanitize(schema.DecodeRaw(raw)), nil
}

// writeDirect applies patch to the sanitized stored record and writes only
// the UI-writable part of the resulting delta. Derived fields are left for
// the controller to fill in when it reconciles.
func (c *Client) writeDirect(ctx context.Context, patch domain.Patch) (domain.Delta, error) {
	current, err := c.readDirect(ctx)
	if err != nil {
		return nil, err
	}
	next := c.engine.ApplyUpdate(current, patch)
	delta := policy.ProjectDelta(c.policy, schema.Diff(current, next))

	writable := make([]string, 0, len(delta))
	for _, k := range delta.Keys() {
		if c.policy.CanWrite(k) {
			writable = append(writable, k)
		} else {
			delete(delta, k)
		}
	}
	if len(writable) == 0 {
		return delta, nil
	}
	items, err := schema.EncodeFields(next, writable)
	if err != nil {
		return nil, err
	}
	if err := c.kv.Set(ctx, items); err != nil {
		return nil, fmt.Errorf("write storage: %w", err)
	}
	return delta, nil
}

func decodeDelta(data json.RawMessage) (domain.Delta, error) {
	delta := domain.Delta{}
	if len(data) == 0 {
		return delta, nil
	}
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	return delta, nil
}

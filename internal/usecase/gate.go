package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
)

// Gate storage keys and alarm prefix.
const (
	gateAllowPrefix   = "gate:allow:"
	gatePendingPrefix = "gate:pending:"
	gateLogKey        = "gate:log"

	AlarmGateExpirePrefix = "gate-expire:"
)

// MinJustificationRunes is the minimum number of non-whitespace characters.
const MinJustificationRunes = 5

// GateConfig holds distraction gate configuration.
type GateConfig struct {
	AllowanceWindow time.Duration // How long a justified target may stay on the site
	LogCap          int           // Justification log entries kept, most recent first
	PromptURL       string        // Where blocked targets are redirected
}

// DefaultGateConfig returns default gate configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		AllowanceWindow: 10 * time.Minute,
		LogCap:          50,
		PromptURL:       "http://127.0.0.1:7465/prompt",
	}
}

// DistractionGate intercepts navigations to gated sites and asks for a
// justification before letting a target through for a bounded window.
type DistractionGate struct {
	store     *StateStore
	kv        domain.KVStore
	scheduler domain.Scheduler
	navigator domain.Navigator
	clock     clockwork.Clock
	config    GateConfig
	logger    *zap.Logger

	mu sync.Mutex
}

// NewDistractionGate creates a distraction gate.
func NewDistractionGate(
	store *StateStore,
	kv domain.KVStore,
	scheduler domain.Scheduler,
	navigator domain.Navigator,
	clock clockwork.Clock,
	config GateConfig,
	logger *zap.Logger,
) *DistractionGate {
	return &DistractionGate{
		store:     store,
		kv:        kv,
		scheduler: scheduler,
		navigator: navigator,
		clock:     clock,
		config:    config,
		logger:    logger,
	}
}

// Match reports whether rawURL falls under a gated list in state.
// Only http and https URLs are gated; a site also covers its subdomains.
func Match(state domain.State, rawURL string) domain.GateMatch {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.GateMatch{}
	}
	host := schema.NormalizeHostname(u.Hostname())
	if host == "" {
		return domain.GateMatch{}
	}

	if state.DistractionGateEnabled {
		if site, ok := matchSite(host, state.DistractingSites); ok {
			return domain.GateMatch{ShouldGate: true, Hostname: host, Site: site, List: schema.KeyDistractingSites}
		}
	}
	if state.IsInFlow {
		if site, ok := matchSite(host, state.FocusBlockedSites); ok {
			return domain.GateMatch{ShouldGate: true, Hostname: host, Site: site, List: schema.KeyFocusBlockedSites}
		}
	}
	return domain.GateMatch{Hostname: host}
}

func matchSite(host string, sites []string) (string, bool) {
	for _, site := range sites {
		if host == site || strings.HasSuffix(host, "."+site) {
			return site, true
		}
	}
	return "", false
}

// OnNavigate checks a navigation of target to rawURL and redirects it to the
// prompt when it is gated and has no live allowance for that host.
func (g *DistractionGate) OnNavigate(ctx context.Context, targetID, rawURL string) (domain.GateDecision, error) {
	state, err := g.store.Get(ctx)
	if err != nil {
		return domain.GateUnchecked, err
	}
	m := Match(state, rawURL)
	if !m.ShouldGate {
		return domain.GateUnchecked, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	var allow domain.Allowance
	found, err := g.load(ctx, gateAllowPrefix+targetID, &allow)
	if err != nil {
		return domain.GateUnchecked, err
	}
	if found && allow.Hostname == m.Hostname && allow.ExpiresAt > now.UnixMilli() {
		return domain.GateAllowed, nil
	}

	if err := g.block(ctx, targetID, rawURL, m.Hostname, now); err != nil {
		return domain.GateUnchecked, err
	}
	g.logger.Info("navigation gated",
		zap.String("target", targetID),
		zap.String("host", m.Hostname),
		zap.String("list", m.List))
	return domain.GateBlocked, nil
}

func (g *DistractionGate) block(ctx context.Context, targetID, rawURL, host string, now time.Time) error {
	pending, err := json.Marshal(domain.PendingNavigation{URL: rawURL, Hostname: host, CreatedAt: now.UnixMilli()})
	if err != nil {
		return err
	}
	if err := g.kv.Set(ctx, map[string]json.RawMessage{gatePendingPrefix + targetID: pending}); err != nil {
		return fmt.Errorf("record pending navigation: %w", err)
	}
	if err := g.navigator.Redirect(ctx, targetID, g.PromptURL(targetID, host)); err != nil {
		return fmt.Errorf("redirect to prompt: %w", err)
	}
	return nil
}

// PromptURL builds the justification prompt address for a target.
func (g *DistractionGate) PromptURL(targetID, host string) string {
	q := url.Values{}
	q.Set("target", targetID)
	q.Set("host", host)
	sep := "?"
	if strings.Contains(g.config.PromptURL, "?") {
		sep = "&"
	}
	return g.config.PromptURL + sep + q.Encode()
}

// Justify accepts a justification for the target's pending navigation,
// grants an allowance and sends the target back to where it was going.
func (g *DistractionGate) Justify(ctx context.Context, targetID, text string) (domain.Allowance, error) {
	text = strings.TrimSpace(text)
	if countNonSpace(text) < MinJustificationRunes {
		return domain.Allowance{}, domain.ErrJustificationTooShort
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var pending domain.PendingNavigation
	found, err := g.load(ctx, gatePendingPrefix+targetID, &pending)
	if err != nil {
		return domain.Allowance{}, err
	}
	if !found {
		return domain.Allowance{}, domain.ErrNoPendingNavigation
	}

	now := g.clock.Now()
	allow := domain.Allowance{
		Hostname:  pending.Hostname,
		ExpiresAt: now.Add(g.config.AllowanceWindow).UnixMilli(),
	}

	entries, err := g.Log(ctx)
	if err != nil {
		return domain.Allowance{}, err
	}
	entries = append([]domain.Justification{{
		ID:        uuid.NewString(),
		Hostname:  pending.Hostname,
		URL:       pending.URL,
		Text:      text,
		CreatedAt: now.UnixMilli(),
	}}, entries...)
	if g.config.LogCap > 0 && len(entries) > g.config.LogCap {
		entries = entries[:g.config.LogCap]
	}

	allowJSON, err := json.Marshal(allow)
	if err != nil {
		return domain.Allowance{}, err
	}
	logJSON, err := json.Marshal(entries)
	if err != nil {
		return domain.Allowance{}, err
	}
	if err := g.kv.Set(ctx, map[string]json.RawMessage{
		gateAllowPrefix + targetID: allowJSON,
		gateLogKey:                 logJSON,
	}); err != nil {
		return domain.Allowance{}, fmt.Errorf("save allowance: %w", err)
	}
	if err := g.kv.Remove(ctx, gatePendingPrefix+targetID); err != nil {
		g.logger.Warn("failed to clear pending navigation", zap.String("target", targetID), zap.Error(err))
	}
	if err := g.scheduler.At(AlarmGateExpirePrefix+targetID, time.UnixMilli(allow.ExpiresAt)); err != nil {
		g.logger.Warn("failed to schedule allowance expiry", zap.String("target", targetID), zap.Error(err))
	}
	if err := g.navigator.Redirect(ctx, targetID, pending.URL); err != nil {
		g.logger.Warn("failed to restore navigation", zap.String("target", targetID), zap.Error(err))
	}

	g.logger.Info("navigation justified",
		zap.String("target", targetID),
		zap.String("host", allow.Hostname),
		zap.Time("expires_at", time.UnixMilli(allow.ExpiresAt)))
	return allow, nil
}

// OnExpire ends a target's allowance and re-gates it only if it is still on
// a gated site.
func (g *DistractionGate) OnExpire(ctx context.Context, targetID string) (domain.GateDecision, error) {
	g.mu.Lock()
	err := g.kv.Remove(ctx, gateAllowPrefix+targetID)
	g.mu.Unlock()
	if err != nil {
		return domain.GateUnchecked, fmt.Errorf("drop allowance: %w", err)
	}

	current, err := g.navigator.CurrentURL(ctx, targetID)
	if err != nil {
		// The target is gone; nothing to re-evaluate.
		g.logger.Debug("expired target not found", zap.String("target", targetID), zap.Error(err))
		return domain.GateUnchecked, nil
	}
	return g.OnNavigate(ctx, targetID, current)
}

// Resume re-derives allowance expiries from storage after the controller
// starts: lapsed allowances expire now and the rest are scheduled again.
func (g *DistractionGate) Resume(ctx context.Context) error {
	raw, err := g.kv.Get(ctx)
	if err != nil {
		return fmt.Errorf("read allowances: %w", err)
	}
	now := g.clock.Now()
	for key, data := range raw {
		targetID, ok := strings.CutPrefix(key, gateAllowPrefix)
		if !ok || targetID == "" {
			continue
		}
		var allow domain.Allowance
		if err := json.Unmarshal(data, &allow); err != nil {
			g.logger.Warn("discarding corrupt gate entry", zap.String("key", key), zap.Error(err))
			_ = g.kv.Remove(ctx, key)
			continue
		}
		expires := time.UnixMilli(allow.ExpiresAt)
		if !expires.After(now) {
			if _, err := g.OnExpire(ctx, targetID); err != nil {
				g.logger.Warn("failed to expire allowance", zap.String("target", targetID), zap.Error(err))
			}
			continue
		}
		if err := g.scheduler.At(AlarmGateExpirePrefix+targetID, expires); err != nil {
			g.logger.Warn("failed to schedule allowance expiry", zap.String("target", targetID), zap.Error(err))
		}
	}
	return nil
}

// CloseTarget forgets everything held for a closed target.
func (g *DistractionGate) CloseTarget(ctx context.Context, targetID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.scheduler.Clear(AlarmGateExpirePrefix + targetID); err != nil {
		g.logger.Warn("failed to clear allowance alarm", zap.String("target", targetID), zap.Error(err))
	}
	return g.kv.Remove(ctx, gateAllowPrefix+targetID, gatePendingPrefix+targetID)
}

// Log returns the justification log, most recent first.
func (g *DistractionGate) Log(ctx context.Context) ([]domain.Justification, error) {
	return ReadJustifications(ctx, g.kv)
}

// ReadJustifications reads the justification log straight from storage.
func ReadJustifications(ctx context.Context, kv domain.KVStore) ([]domain.Justification, error) {
	raw, err := kv.Get(ctx, gateLogKey)
	if err != nil {
		return nil, err
	}
	entries := []domain.Justification{}
	if v, ok := raw[gateLogKey]; ok {
		if err := json.Unmarshal(v, &entries); err != nil {
			// A corrupt log is replaced on the next justification.
			return []domain.Justification{}, nil
		}
	}
	return entries, nil
}

// TargetFromAlarm extracts the target id from a gate-expire alarm name.
func TargetFromAlarm(name string) (string, bool) {
	if !strings.HasPrefix(name, AlarmGateExpirePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, AlarmGateExpirePrefix)
	return id, id != ""
}

func (g *DistractionGate) load(ctx context.Context, key string, v any) (bool, error) {
	raw, err := g.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	data, ok := raw[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		g.logger.Warn("discarding corrupt gate entry", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

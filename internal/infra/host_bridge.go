package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// ErrNoHost means no presentation host is attached to answer.
var ErrNoHost = errors.New("no host attached")

const (
	hostMessage   = "message"
	hostCountdown = "countdown"
	hostRedirect  = "redirect"
	hostCurrent   = "current"
)

type hostCall struct {
	Text     string `json:"text,omitempty"`
	TargetID string `json:"targetId,omitempty"`
	URL      string `json:"url,omitempty"`
}

type hostReply struct {
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// HostBridge implements domain.Renderer and domain.Navigator for the
// controller by forwarding to whichever host (browser shim, TUI) serves the
// host subjects. Rendering is fire-and-forget; CurrentURL is a request.
type HostBridge struct {
	conn     *nats.Conn
	subjects Subjects
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHostBridge creates a bridge on an established connection.
func NewHostBridge(conn *nats.Conn, prefix string, timeout time.Duration, logger *zap.Logger) *HostBridge {
	return &HostBridge{
		conn:     conn,
		subjects: Subjects{Prefix: prefix},
		timeout:  timeout,
		logger:   logger,
	}
}

func (b *HostBridge) ShowMessage(_ context.Context, text string) error {
	return b.publish(hostMessage, hostCall{Text: text})
}

func (b *HostBridge) ShowCountdown(_ context.Context, text string) error {
	return b.publish(hostCountdown, hostCall{Text: text})
}

func (b *HostBridge) Redirect(_ context.Context, targetID, url string) error {
	return b.publish(hostRedirect, hostCall{TargetID: targetID, URL: url})
}

// CurrentURL asks the host where the target is. No host means an error
// wrapping ErrNoHost.
func (b *HostBridge) CurrentURL(ctx context.Context, targetID string) (string, error) {
	data, err := json.Marshal(hostCall{TargetID: targetID})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	msg, err := b.conn.RequestWithContext(ctx, b.subjects.Host(hostCurrent), data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoHost, err)
	}
	var reply hostReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("failed to decode host reply: %w", err)
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	return reply.URL, nil
}

func (b *HostBridge) publish(kind string, call hostCall) error {
	data, err := json.Marshal(call)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subjects.Host(kind), data)
}

// ServeHost attaches a local renderer and navigator to the host subjects, so
// a foreground surface can act as the controller's presentation host.
// navigator may be nil for hosts that only render.
func ServeHost(ctx context.Context, conn *nats.Conn, prefix string, renderer domain.Renderer, navigator domain.Navigator, logger *zap.Logger) error {
	subjects := Subjects{Prefix: prefix}
	handlers := map[string]nats.MsgHandler{
		hostMessage: func(msg *nats.Msg) {
			if call, ok := decodeHostCall(msg, logger); ok {
				_ = renderer.ShowMessage(ctx, call.Text)
			}
		},
		hostCountdown: func(msg *nats.Msg) {
			if call, ok := decodeHostCall(msg, logger); ok {
				_ = renderer.ShowCountdown(ctx, call.Text)
			}
		},
	}
	if navigator != nil {
		handlers[hostRedirect] = func(msg *nats.Msg) {
			if call, ok := decodeHostCall(msg, logger); ok {
				if err := navigator.Redirect(ctx, call.TargetID, call.URL); err != nil {
					logger.Debug("host redirect failed", zap.String("target", call.TargetID), zap.Error(err))
				}
			}
		}
		handlers[hostCurrent] = func(msg *nats.Msg) {
			call, ok := decodeHostCall(msg, logger)
			if !ok {
				return
			}
			var reply hostReply
			url, err := navigator.CurrentURL(ctx, call.TargetID)
			if err != nil {
				reply.Error = err.Error()
			} else {
				reply.URL = url
			}
			data, _ := json.Marshal(reply)
			_ = msg.Respond(data)
		}
	}

	var subs []*nats.Subscription
	for kind, h := range handlers {
		sub, err := conn.Subscribe(subjects.Host(kind), h)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe host %s: %w", kind, err)
		}
		subs = append(subs, sub)
	}
	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()
	return conn.Flush()
}

func decodeHostCall(msg *nats.Msg, logger *zap.Logger) (hostCall, bool) {
	var call hostCall
	if err := json.Unmarshal(msg.Data, &call); err != nil {
		logger.Debug("dropping malformed host call", zap.String("subject", msg.Subject), zap.Error(err))
		return call, false
	}
	return call, true
}

// LogHost renders to the log. It stands in when no NATS host is configured,
// and cannot navigate.
type LogHost struct {
	logger *zap.Logger
}

// NewLogHost creates a log-only host.
func NewLogHost(logger *zap.Logger) *LogHost {
	return &LogHost{logger: logger}
}

func (h *LogHost) ShowMessage(_ context.Context, text string) error {
	h.logger.Info("message", zap.String("text", text))
	return nil
}

func (h *LogHost) ShowCountdown(_ context.Context, text string) error {
	h.logger.Debug("countdown", zap.String("text", text))
	return nil
}

func (h *LogHost) Redirect(_ context.Context, targetID, url string) error {
	h.logger.Info("redirect requested without a host", zap.String("target", targetID), zap.String("url", url))
	return nil
}

func (h *LogHost) CurrentURL(context.Context, string) (string, error) {
	return "", ErrNoHost
}

var (
	_ domain.Renderer  = (*HostBridge)(nil)
	_ domain.Navigator = (*HostBridge)(nil)
	_ domain.Renderer  = (*LogHost)(nil)
	_ domain.Navigator = (*LogHost)(nil)
)

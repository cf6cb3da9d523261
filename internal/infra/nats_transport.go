package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// controllerQueue keeps a request answered once even if two controllers
// overlap during a restart.
const controllerQueue = "controller"

// ConnectNATS dials the bus with reconnect handling logged through zap.
func ConnectNATS(url, clientName string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Subjects derives the bus subjects from a prefix.
type Subjects struct {
	Prefix string
}

// RPC is where requests of the given tier are sent.
func (s Subjects) RPC(tier domain.Tier) string {
	return s.Prefix + ".rpc." + string(tier)
}

// Updates is where stateUpdated deltas are published.
func (s Subjects) Updates() string {
	return s.Prefix + ".state.updated"
}

// Host is where host bridge calls of the given kind are sent.
func (s Subjects) Host(kind string) string {
	return s.Prefix + ".host." + kind
}

// NATSTransport implements domain.Transport over NATS request/reply.
type NATSTransport struct {
	conn     *nats.Conn
	subjects Subjects
	logger   *zap.Logger
}

// NewNATSTransport creates a transport on an established connection.
func NewNATSTransport(conn *nats.Conn, prefix string, logger *zap.Logger) *NATSTransport {
	return &NATSTransport{
		conn:     conn,
		subjects: Subjects{Prefix: prefix},
		logger:   logger,
	}
}

// Serve answers both tiers until ctx is canceled. Each request runs in its
// own goroutine; ordering of mutations is the state runtime's job.
func (t *NATSTransport) Serve(ctx context.Context, h domain.Handler) error {
	var subs []*nats.Subscription
	for _, tier := range []domain.Tier{domain.TierUI, domain.TierObserver} {
		tier := tier
		sub, err := t.conn.QueueSubscribe(t.subjects.RPC(tier), controllerQueue, func(msg *nats.Msg) {
			go t.answer(ctx, h, tier, msg)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe %s: %w", t.subjects.RPC(tier), err)
		}
		subs = append(subs, sub)
	}
	if err := t.conn.Flush(); err != nil {
		t.logger.Warn("failed to flush subscriptions", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()
	return nil
}

func (t *NATSTransport) answer(ctx context.Context, h domain.Handler, tier domain.Tier, msg *nats.Msg) {
	var req domain.Request
	var resp domain.Response
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp = domain.Response{OK: false, Error: "malformed request"}
	} else {
		resp = h(ctx, tier, req)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.logger.Error("failed to encode response", zap.String("id", req.ID), zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		t.logger.Debug("failed to respond", zap.String("id", req.ID), zap.Error(err))
	}
}

// Request sends req and waits for the reply until ctx expires.
func (t *NATSTransport) Request(ctx context.Context, tier domain.Tier, req domain.Request) (domain.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return domain.Response{}, fmt.Errorf("failed to encode request: %w", err)
	}
	msg, err := t.conn.RequestWithContext(ctx, t.subjects.RPC(tier), data)
	if err != nil {
		return domain.Response{}, mapNATSError(err)
	}

	var resp domain.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return domain.Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// Publish sends delta fire-and-forget.
func (t *NATSTransport) Publish(_ context.Context, delta domain.Delta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("failed to encode delta: %w", err)
	}
	return t.conn.Publish(t.subjects.Updates(), data)
}

// SubscribeUpdates delivers published deltas until unsubscribed or ctx ends.
func (t *NATSTransport) SubscribeUpdates(ctx context.Context, fn func(domain.Delta)) (func(), error) {
	sub, err := t.conn.Subscribe(t.subjects.Updates(), func(msg *nats.Msg) {
		var delta domain.Delta
		if err := json.Unmarshal(msg.Data, &delta); err != nil {
			t.logger.Debug("dropping malformed delta", zap.Error(err))
			return
		}
		fn(delta)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to updates: %w", err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { _ = sub.Unsubscribe() })
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return unsubscribe, nil
}

// mapNATSError turns "nobody answered" into ErrControllerUnavailable.
func mapNATSError(err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", domain.ErrControllerUnavailable, err)
	default:
		return err
	}
}

var _ domain.Transport = (*NATSTransport)(nil)

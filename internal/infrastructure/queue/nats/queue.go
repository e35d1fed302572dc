package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vetlab/bloodwork-analyzer/internal/core/domain"
	"github.com/vetlab/bloodwork-analyzer/internal/infrastructure/resilience"
)

const DefaultSubject = "diagnostics.analysis"

type publisher interface {
	Publish(subject string, data []byte) error
}

// EventBus publishes terminal analysis events under <subject>.<status>.
type EventBus struct {
	conn     *nats.Conn
	pub      publisher
	subject  string
	executor *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url, subject string, options Options) (*EventBus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("bloodwork-analyzer"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	bus := newEventBus(conn, subject, options.ResilienceExecutor)
	bus.conn = conn
	return bus, nil
}

func newEventBus(pub publisher, subject string, exec *resilience.Executor) *EventBus {
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		subject = DefaultSubject
	}
	return &EventBus{pub: pub, subject: subject, executor: exec}
}

func (b *EventBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *EventBus) SubjectFor(status domain.AnalysisStatus) string {
	return b.subject + "." + string(status)
}

func (b *EventBus) PublishAnalysisEvent(ctx context.Context, event domain.AnalysisEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal analysis event: %w", err)
	}
	subject := b.SubjectFor(event.Status)

	call := func(_ context.Context) error {
		if err := b.pub.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, resilience.Call{
			Operation:  "nats.publish",
			Classifier: classifyNATSError,
		}, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeAnalysisEvents delivers every terminal event until ctx is done,
// then drains the subscription.
func (b *EventBus) SubscribeAnalysisEvents(ctx context.Context, handler func(context.Context, domain.AnalysisEvent) error) error {
	if b.conn == nil {
		return fmt.Errorf("nats subscribe: no connection")
	}
	sub, err := b.conn.Subscribe(b.subject+".>", func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		var event domain.AnalysisEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("analysis_event_decode_failed", "subject", msg.Subject, "error", err)
			return
		}
		if err := handler(ctx, event); err != nil {
			slog.Error("analysis_event_handler_failed", "diagnostic_id", event.DiagnosticID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

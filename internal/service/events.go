package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// Bus channels published by the services and the orchestrator.
const (
	ChannelCycle = "ch:cycle"
	ChannelOrder = "ch:order"
	ChannelRisk  = "ch:risk"
	ChannelPhase = "ch:phase"
)

const alertTimeout = 10 * time.Second

// Alerter forwards an operator alert. *notify.Notifier implements it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Events fans state changes out to the signal bus, the audit log and the
// operator alert channels. Every collaborator is optional and every failure
// is logged and swallowed.
type Events struct {
	bus    domain.SignalBus
	audit  domain.AuditStore
	alerts Alerter
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewEvents creates an Events. Any argument but logger may be nil.
func NewEvents(bus domain.SignalBus, audit domain.AuditStore, alerts Alerter, logger *slog.Logger) *Events {
	return &Events{
		bus:    bus,
		audit:  audit,
		alerts: alerts,
		logger: logger.With(slog.String("component", "events")),
	}
}

// Publish sends event with fields on channel and appends it to the
// channel's stream.
func (e *Events) Publish(ctx context.Context, channel, event string, fields map[string]any) {
	if e == nil || e.bus == nil {
		return
	}
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["event"] = event
	payload["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.WarnContext(ctx, "encode event failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, channel, data); err != nil {
		e.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
	if err := e.bus.StreamAppend(ctx, "stream:"+channel, data); err != nil {
		e.logger.WarnContext(ctx, "stream append failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// Audit writes an audit log entry.
func (e *Events) Audit(ctx context.Context, event string, detail map[string]any) {
	if e == nil || e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Alert notifies operators in the background so a slow sender never holds
// up a trading cycle. Close waits for outstanding alerts.
func (e *Events) Alert(ctx context.Context, event, title, message string) {
	if e == nil || e.alerts == nil {
		return
	}
	e.Go(ctx, func(actx context.Context) {
		if err := e.alerts.Notify(actx, event, title, message); err != nil {
			e.logger.WarnContext(actx, "alert failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	})
}

// Go runs fn in the background with a bounded context detached from ctx's
// cancellation.
func (e *Events) Go(ctx context.Context, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
		defer cancel()
		fn(actx)
	}()
}

// Close waits for in-flight alerts.
func (e *Events) Close() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

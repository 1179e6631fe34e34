package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/curvebot/internal/risk"
)

// Alert event names for risk state changes.
const (
	AlertEmergencyHalt  = "emergency_halt"
	AlertBreakerTripped = "breaker_tripped"
)

// RiskService is the administrative face of the risk gate: every operator
// action is audited, published and alerted.
type RiskService struct {
	gate   *risk.Gate
	events *Events
	logger *slog.Logger
}

// NewRiskService wraps gate and registers a breaker trip hook.
func NewRiskService(gate *risk.Gate, events *Events, logger *slog.Logger) *RiskService {
	s := &RiskService{
		gate:   gate,
		events: events,
		logger: logger.With(slog.String("component", "risk_service")),
	}
	gate.Breaker().OnTrip(func(reason string) {
		if s.events == nil {
			return
		}
		s.events.Go(context.Background(), func(ctx context.Context) {
			s.events.Publish(ctx, ChannelRisk, "breaker_tripped", map[string]any{"reason": reason})
		})
		s.events.Alert(context.Background(), AlertBreakerTripped, "Circuit breaker tripped", reason)
	})
	return s
}

// Halt sets the sticky emergency halt.
func (s *RiskService) Halt(ctx context.Context, reason string) {
	if reason == "" {
		reason = "operator request"
	}
	s.gate.EmergencyHalt(reason)
	detail := map[string]any{"reason": reason}
	s.events.Publish(ctx, ChannelRisk, "emergency_halt", detail)
	s.events.Audit(ctx, "emergency_halt", detail)
	s.events.Alert(ctx, AlertEmergencyHalt, "Emergency halt", reason)
}

// Reset clears the emergency halt and closes the breaker.
func (s *RiskService) Reset(ctx context.Context) {
	s.gate.ResetEmergency()
	s.events.Publish(ctx, ChannelRisk, "emergency_reset", nil)
	s.events.Audit(ctx, "emergency_reset", nil)
}

// UpdateRules applies a partial rule change.
func (s *RiskService) UpdateRules(ctx context.Context, patch risk.RulesPatch) (risk.Rules, error) {
	rules, err := s.gate.UpdateRules(patch)
	if err != nil {
		return rules, fmt.Errorf("risk_service: update rules: %w", err)
	}
	s.events.Publish(ctx, ChannelRisk, "rules_updated", map[string]any{"rules": rules})
	s.events.Audit(ctx, "rules_updated", map[string]any{"patch": patch})
	s.logger.InfoContext(ctx, "risk rules updated")
	return rules, nil
}

// Status returns the gate snapshot.
func (s *RiskService) Status() risk.Status {
	return s.gate.Status()
}

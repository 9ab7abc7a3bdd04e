// Package notify turns bus events into operator-facing messages and emits
// the daily activity report.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"signal-router/internal/events"
	"signal-router/pkg/db"
)

// Notifier delivers one message to the operator channel.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// LogNotifier writes notifications to the process log. It is the default
// sink; richer transports implement the same interface.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, title, message string) error {
	log.Printf("[notify] %s: %s", title, message)
	return nil
}

// Service bridges the event bus to a Notifier.
type Service struct {
	sink       Notifier
	bus        *events.Bus
	store      *db.Store
	reportHour int // UTC hour the daily report fires
}

func NewService(sink Notifier, bus *events.Bus, store *db.Store, reportHour int) *Service {
	return &Service{sink: sink, bus: bus, store: store, reportHour: reportHour}
}

// Run consumes failure and cancel events until ctx is done, firing the daily
// report at the configured hour.
func (s *Service) Run(ctx context.Context) {
	failures, unsubFail := s.bus.Subscribe(events.EventOrderFailed, 64)
	defer unsubFail()
	cancels, unsubCancel := s.bus.Subscribe(events.EventCancelResolved, 64)
	defer unsubCancel()
	trades, unsubTrades := s.bus.Subscribe(events.EventTradeExecuted, 64)
	defer unsubTrades()
	disabled, unsubDisabled := s.bus.Subscribe(events.EventAccountDisabled, 16)
	defer unsubDisabled()

	reportTimer := time.NewTimer(untilNextReport(time.Now().UTC(), s.reportHour))
	defer reportTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-failures:
			s.notifyFailure(ctx, payload)
		case payload := <-cancels:
			if req, ok := payload.(db.CancelRequest); ok && req.Status == db.CancelFailed {
				s.notify(ctx, "cancel failed",
					fmt.Sprintf("order=%s symbol=%s error=%s", req.OrderID, req.Symbol, req.LastError))
			}
		case payload := <-trades:
			if o, ok := payload.(db.OpenOrder); ok {
				s.notify(ctx, "trade executed",
					fmt.Sprintf("order=%s account=%s %s %s filled=%s avg=%s",
						o.ID, o.AccountID, o.Side, o.Symbol, o.FilledQty, o.AvgPrice))
			}
		case payload := <-disabled:
			if a, ok := payload.(db.Account); ok {
				s.notify(ctx, "account disabled",
					fmt.Sprintf("account=%s exchange=%s credentials rejected; re-enable over the API after rotating keys",
						a.ID, a.Exchange))
			}
		case <-reportTimer.C:
			s.sendDailyReport(ctx)
			reportTimer.Reset(untilNextReport(time.Now().UTC(), s.reportHour))
		}
	}
}

func (s *Service) notifyFailure(ctx context.Context, payload any) {
	switch v := payload.(type) {
	case db.OpenOrder:
		s.notify(ctx, "order failed",
			fmt.Sprintf("order=%s account=%s symbol=%s reason=%s", v.ID, v.AccountID, v.Symbol, v.FailReason))
	default:
		s.notify(ctx, "order failed", fmt.Sprintf("%+v", v))
	}
}

func (s *Service) notify(ctx context.Context, title, message string) {
	if err := s.sink.Notify(ctx, title, message); err != nil {
		log.Printf("[notify] deliver %q: %v", title, err)
	}
}

// sendDailyReport summarizes the last 24h of routing activity.
func (s *Service) sendDailyReport(ctx context.Context) {
	stats, err := s.store.CollectDayStats(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		log.Printf("[notify] daily report: %v", err)
		return
	}
	msg := fmt.Sprintf("orders=%d trades=%d failed=%d notional=%s",
		stats.Orders, stats.Trades, stats.Failed, stats.Notional)
	if pnl, err := s.store.RealizedPnLByStrategy(ctx); err != nil {
		log.Printf("[notify] pnl summary: %v", err)
	} else {
		for strategyID, v := range pnl {
			msg += fmt.Sprintf(" pnl[%s]=%s", strategyID, v)
		}
	}
	s.notify(ctx, "daily report", msg)
	s.bus.Publish(events.EventDailyReport, stats)
}

// untilNextReport computes the wait until the next occurrence of hour (UTC).
func untilNextReport(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

/*
Package notify sends bill notices to customers through a pluggable
message gateway.

PURPOSE:
  Bulk dispatch of "your bill is ready" notices for a period. The gateway
  itself (WhatsApp, SMS, anything with a phone number and a text body) is
  an external collaborator behind the MessageSender interface; this
  package owns targeting, per-bill dedupe, pacing between sends, and the
  send log.

RULES:
  - A bill is notified at most once; the send log is the dedupe key
  - Customers without a phone or who opted out are skipped, not failed
  - A gateway failure is recorded and the batch continues; delivery is
    best effort and never touches the ledger
*/
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aguavista/billing-engine/billing"
)

// MessageSender is the outbound gateway.
type MessageSender interface {
	Send(ctx context.Context, phone, body string) error
}

// SendStatus is the outcome recorded for one notice.
type SendStatus string

const (
	SendOK      SendStatus = "sent"
	SendFailed  SendStatus = "failed"
	SendSkipped SendStatus = "skipped"
)

// SendRecord is one line of the send log.
type SendRecord struct {
	ID         string
	BillID     billing.BillID
	CustomerID billing.CustomerID
	Phone      string
	Status     SendStatus
	Detail     string
	SentAt     time.Time
}

// Store is the persistence the dispatcher needs.
type Store interface {
	// UnnotifiedBills returns the period's unsettled bills with no sent
	// notice in the log.
	UnnotifiedBills(ctx context.Context, p billing.Period) ([]billing.Bill, error)
	CustomerByID(ctx context.Context, id billing.CustomerID) (*billing.Customer, error)
	RecordSend(ctx context.Context, r *SendRecord) error
	ListSends(ctx context.Context, p billing.Period) ([]SendRecord, error)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store  Store
	sender MessageSender
	logger *zap.Logger

	// Pause between consecutive gateway calls so bulk batches stay under
	// provider rate limits.
	Pause time.Duration

	now func() time.Time
}

func NewService(store Store, sender MessageSender, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		sender: sender,
		logger: logger,
		Pause:  2 * time.Second,
		now:    time.Now,
	}
}

// WithClock replaces the service clock. Test use only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BatchResult summarizes one dispatch pass.
type BatchResult struct {
	Period  billing.Period
	Sent    int
	Skipped int
	Failed  int
	Records []SendRecord
}

// Preview returns the bills a dispatch over the period would target.
func (s *Service) Preview(ctx context.Context, p billing.Period) ([]billing.Bill, error) {
	return s.store.UnnotifiedBills(ctx, p)
}

// Dispatch sends a notice for every unnotified, unsettled bill of the
// period. Honors ctx cancellation between sends; already-recorded sends
// stay recorded.
func (s *Service) Dispatch(ctx context.Context, p billing.Period) (*BatchResult, error) {
	bills, err := s.store.UnnotifiedBills(ctx, p)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Period: p}
	s.logger.Info("notice dispatch started",
		zap.String("period", p.String()),
		zap.Int("bills", len(bills)))

	for i, b := range bills {
		if i > 0 && s.Pause > 0 {
			select {
			case <-time.After(s.Pause):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
		rec, err := s.dispatchOne(ctx, b)
		if err != nil {
			return result, err
		}
		switch rec.Status {
		case SendOK:
			result.Sent++
		case SendSkipped:
			result.Skipped++
		case SendFailed:
			result.Failed++
		}
		result.Records = append(result.Records, *rec)
	}

	s.logger.Info("notice dispatch finished",
		zap.String("period", p.String()),
		zap.Int("sent", result.Sent),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (s *Service) dispatchOne(ctx context.Context, b billing.Bill) (*SendRecord, error) {
	rec := &SendRecord{
		ID:         uuid.NewString(),
		BillID:     b.ID,
		CustomerID: b.CustomerID,
		SentAt:     s.now(),
	}

	customer, err := s.store.CustomerByID(ctx, b.CustomerID)
	if err != nil {
		return nil, err
	}
	switch {
	case !customer.WantsMessages:
		rec.Status = SendSkipped
		rec.Detail = "customer opted out"
	case customer.Phone == "":
		rec.Status = SendSkipped
		rec.Detail = "no phone on record"
	default:
		rec.Phone = customer.Phone
		if err := s.sender.Send(ctx, customer.Phone, NoticeBody(&b, customer)); err != nil {
			rec.Status = SendFailed
			rec.Detail = err.Error()
			s.logger.Warn("notice send failed",
				zap.String("bill", b.Number),
				zap.String("customer", string(b.CustomerID)),
				zap.Error(err))
		} else {
			rec.Status = SendOK
		}
	}

	if err := s.store.RecordSend(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// NoticeBody renders the message text for one bill.
func NoticeBody(b *billing.Bill, c *billing.Customer) string {
	var sb strings.Builder
	name := c.FullName
	if name == "" {
		name = c.Name
	}
	fmt.Fprintf(&sb, "Hello %s, your water bill %s for %s is ready.\n", name, b.Number, b.Period)
	fmt.Fprintf(&sb, "Consumption: %d m3\n", b.Consumption)
	fmt.Fprintf(&sb, "Amount due: %s\n", b.Total.StringFixed(2))
	sb.WriteString("Thank you for paying on time.")
	return sb.String()
}

// Sends lists the send log for a period.
func (s *Service) Sends(ctx context.Context, p billing.Period) ([]SendRecord, error) {
	return s.store.ListSends(ctx, p)
}

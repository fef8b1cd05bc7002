/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

Monetary amounts travel as decimal strings to avoid float rounding on the
wire; parsing happens in the handlers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/aguavista/billing-engine/billing"
	"github.com/aguavista/billing-engine/generation"
	"github.com/aguavista/billing-engine/notify"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateCustomerRequest struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Phone         string `json:"phone"`
	WantsMessages bool   `json:"wants_messages"`
}

type CreateMeterRequest struct {
	CustomerID string `json:"customer_id"`
	Number     string `json:"number"`
	Address    string `json:"address"`
}

type CreateReadingRequest struct {
	MeterID  string `json:"meter_id"`
	Value    int64  `json:"value"`
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	PhotoRef string `json:"photo_ref"`
}

type IssueBillRequest struct {
	ReadingID  string `json:"reading_id"`
	CustomerID string `json:"customer_id"`
}

type PreviewAllocationRequest struct {
	CustomerID  string   `json:"customer_id"`
	Amount      string   `json:"amount"`
	TargetBills []string `json:"target_bills"`
	UseCredit   bool     `json:"use_credit"`
}

type SubmitPaymentRequest struct {
	CustomerID  string   `json:"customer_id"`
	Amount      string   `json:"amount"`
	TargetBills []string `json:"target_bills"`
	ProofRef    string   `json:"proof_ref"`
	Method      string   `json:"method"`
	PaidOn      string   `json:"paid_on"` // YYYY-MM-DD, optional
	Notes       string   `json:"notes"`
}

type DirectPaymentRequest struct {
	CustomerID  string   `json:"customer_id"`
	Amount      string   `json:"amount"`
	TargetBills []string `json:"target_bills"`
	Method      string   `json:"method"`
	StaffID     string   `json:"staff_id"`
	PaidOn      string   `json:"paid_on"`
	Notes       string   `json:"notes"`
}

type RejectPaymentRequest struct {
	Reason  string `json:"reason"`
	StaffID string `json:"staff_id"`
}

type ApprovePaymentRequest struct {
	StaffID string `json:"staff_id"`
}

type UseCreditRequest struct {
	TargetBills []string `json:"target_bills"`
	ActorID     string   `json:"actor_id"`
}

type AdjustBalanceRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
	StaffID     string `json:"staff_id"`
}

type SaveTariffRequest struct {
	FixedCharge string `json:"fixed_charge"`
	UnitPrice   string `json:"unit_price"`
}

type GenerateRequest struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

type ScheduleRequest struct {
	Enabled    bool `json:"enabled"`
	DayOfMonth int  `json:"day_of_month"`
	Hour       int  `json:"hour"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type BillDTO struct {
	ID             string  `json:"id"`
	Number         string  `json:"number"`
	MeterID        string  `json:"meter_id"`
	CustomerID     string  `json:"customer_id"`
	CustomerName   string  `json:"customer_name"`
	Period         string  `json:"period"`
	CurrentReading int64   `json:"current_reading"`
	PriorReading   int64   `json:"prior_reading"`
	Consumption    int64   `json:"consumption"`
	FixedCharge    string  `json:"fixed_charge"`
	UnitPrice      string  `json:"unit_price"`
	Subtotal       string  `json:"subtotal"`
	Total          string  `json:"total"`
	AmountPaid     string  `json:"amount_paid"`
	Outstanding    string  `json:"outstanding"`
	State          string  `json:"state"`
	IssuedAt       string  `json:"issued_at"`
	PaidAt         *string `json:"paid_at,omitempty"`
	Method         string  `json:"method,omitempty"`
	ProofRef       string  `json:"proof_ref,omitempty"`
}

type PaymentDTO struct {
	ID              string          `json:"id"`
	Number          string          `json:"number"`
	CustomerID      string          `json:"customer_id"`
	AmountTotal     string          `json:"amount_total"`
	AmountApplied   string          `json:"amount_applied"`
	AmountToCredit  string          `json:"amount_to_credit"`
	CreditUsed      string          `json:"credit_used"`
	ProofRef        string          `json:"proof_ref,omitempty"`
	Method          string          `json:"method"`
	State           string          `json:"state"`
	PaidOn          string          `json:"paid_on"`
	SubmittedAt     string          `json:"submitted_at"`
	ProcessedAt     *string         `json:"processed_at,omitempty"`
	ProcessedBy     string          `json:"processed_by,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	Allocations     []AllocationDTO `json:"allocations,omitempty"`
}

type AllocationDTO struct {
	PaymentID      string `json:"payment_id"`
	BillID         string `json:"bill_id"`
	Amount         string `json:"amount"`
	FullSettlement bool   `json:"full_settlement"`
}

type PlanDTO struct {
	Lines      []PlanLineDTO `json:"lines"`
	Applied    string        `json:"applied"`
	ToCredit   string        `json:"to_credit"`
	Amount     string        `json:"amount"`
	CreditUsed string        `json:"credit_used"`
}

type PlanLineDTO struct {
	BillID         string `json:"bill_id"`
	BillNumber     string `json:"bill_number"`
	Period         string `json:"period"`
	Amount         string `json:"amount"`
	OutstandingOld string `json:"outstanding_old"`
	OutstandingNew string `json:"outstanding_new"`
	FullSettlement bool   `json:"full_settlement"`
}

type MovementDTO struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Origin        string `json:"origin"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	Description   string `json:"description,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
	BillID        string `json:"bill_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type SummaryDTO struct {
	CustomerID           string        `json:"customer_id"`
	CreditBalance        string        `json:"credit_balance"`
	TotalDebt            string        `json:"total_debt"`
	PendingBillCount     int           `json:"pending_bill_count"`
	InReviewPaymentCount int           `json:"in_review_payment_count"`
	RecentMovements      []MovementDTO `json:"recent_movements"`
}

type RunDTO struct {
	ID        string        `json:"id"`
	Period    string        `json:"period"`
	Status    string        `json:"status"`
	Generated int           `json:"generated"`
	Estimated int           `json:"estimated"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Error     string        `json:"error,omitempty"`
	StartedAt string        `json:"started_at"`
	EndedAt   *string       `json:"ended_at,omitempty"`
	Entries   []RunEntryDTO `json:"entries,omitempty"`
}

type RunEntryDTO struct {
	MeterID string `json:"meter_id"`
	BillID  string `json:"bill_id,omitempty"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toBillDTO(b *billing.Bill) BillDTO {
	return BillDTO{
		ID:             string(b.ID),
		Number:         b.Number,
		MeterID:        string(b.MeterID),
		CustomerID:     string(b.CustomerID),
		CustomerName:   b.CustomerName,
		Period:         b.Period.String(),
		CurrentReading: b.CurrentReading,
		PriorReading:   b.PriorReading,
		Consumption:    b.Consumption,
		FixedCharge:    b.FixedCharge.StringFixed(2),
		UnitPrice:      b.UnitPrice.StringFixed(2),
		Subtotal:       b.Subtotal.StringFixed(2),
		Total:          b.Total.StringFixed(2),
		AmountPaid:     b.AmountPaid.StringFixed(2),
		Outstanding:    b.Outstanding.StringFixed(2),
		State:          b.State.String(),
		IssuedAt:       b.IssuedAt.Format(time.RFC3339),
		PaidAt:         timeRef(b.PaidAt),
		Method:         string(b.Method),
		ProofRef:       b.ProofRef,
	}
}

func toPaymentDTO(p *billing.Payment, allocs []billing.BillAllocation) PaymentDTO {
	dto := PaymentDTO{
		ID:              string(p.ID),
		Number:          p.Number,
		CustomerID:      string(p.CustomerID),
		AmountTotal:     p.AmountTotal.StringFixed(2),
		AmountApplied:   p.AmountApplied.StringFixed(2),
		AmountToCredit:  p.AmountToCredit.StringFixed(2),
		CreditUsed:      p.CreditUsed.StringFixed(2),
		ProofRef:        p.ProofRef,
		Method:          string(p.Method),
		State:           string(p.State),
		PaidOn:          p.PaidOn.Format("2006-01-02"),
		SubmittedAt:     p.SubmittedAt.Format(time.RFC3339),
		ProcessedAt:     timeRef(p.ProcessedAt),
		ProcessedBy:     string(p.ProcessedBy),
		RejectionReason: p.RejectionReason,
	}
	for _, a := range allocs {
		dto.Allocations = append(dto.Allocations, AllocationDTO{
			PaymentID:      string(a.PaymentID),
			BillID:         string(a.BillID),
			Amount:         a.Amount.StringFixed(2),
			FullSettlement: a.FullSettlement,
		})
	}
	return dto
}

func toPlanDTO(plan *billing.AllocationPlan) PlanDTO {
	dto := PlanDTO{
		Applied:    plan.Applied.StringFixed(2),
		ToCredit:   plan.ToCredit.StringFixed(2),
		Amount:     plan.Amount.StringFixed(2),
		CreditUsed: plan.CreditUsed.StringFixed(2),
		Lines:      []PlanLineDTO{},
	}
	for _, l := range plan.Lines {
		dto.Lines = append(dto.Lines, PlanLineDTO{
			BillID:         string(l.BillID),
			BillNumber:     l.BillNumber,
			Period:         l.Period.String(),
			Amount:         l.Amount.StringFixed(2),
			OutstandingOld: l.OutstandingOld.StringFixed(2),
			OutstandingNew: l.OutstandingNew.StringFixed(2),
			FullSettlement: l.FullSettlement,
		})
	}
	return dto
}

func toMovementDTO(m billing.BalanceMovement) MovementDTO {
	return MovementDTO{
		ID:            string(m.ID),
		Type:          string(m.Type),
		Origin:        string(m.Origin),
		Amount:        m.Amount.StringFixed(2),
		BalanceBefore: m.BalanceBefore.StringFixed(2),
		BalanceAfter:  m.BalanceAfter.StringFixed(2),
		Description:   m.Description,
		PaymentID:     string(m.PaymentID),
		BillID:        string(m.BillID),
		CreatedAt:     m.CreatedAt.Format(time.RFC3339),
	}
}

func toSummaryDTO(s *billing.AccountSummary) SummaryDTO {
	dto := SummaryDTO{
		CustomerID:           string(s.CustomerID),
		CreditBalance:        s.CreditBalance.StringFixed(2),
		TotalDebt:            s.TotalDebt.StringFixed(2),
		PendingBillCount:     s.PendingBillCount,
		InReviewPaymentCount: s.InReviewPaymentCount,
		RecentMovements:      []MovementDTO{},
	}
	for _, m := range s.RecentMovements {
		dto.RecentMovements = append(dto.RecentMovements, toMovementDTO(m))
	}
	return dto
}

func toRunDTO(run *generation.Run) RunDTO {
	dto := RunDTO{
		ID:        run.ID,
		Period:    run.Period.String(),
		Status:    string(run.Status),
		Generated: run.Generated,
		Estimated: run.Estimated,
		Skipped:   run.Skipped,
		Failed:    run.Failed,
		Error:     run.Error,
		StartedAt: run.StartedAt.Format(time.RFC3339),
		EndedAt:   timeRef(run.EndedAt),
	}
	for _, e := range run.Entries {
		dto.Entries = append(dto.Entries, RunEntryDTO{
			MeterID: string(e.MeterID),
			BillID:  string(e.BillID),
			Outcome: e.Outcome,
			Detail:  e.Detail,
		})
	}
	return dto
}

type SendRecordDTO struct {
	ID         string `json:"id"`
	BillID     string `json:"bill_id"`
	CustomerID string `json:"customer_id"`
	Phone      string `json:"phone,omitempty"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
	SentAt     string `json:"sent_at"`
}

func toSendRecordDTO(r notify.SendRecord) SendRecordDTO {
	return SendRecordDTO{
		ID:         r.ID,
		BillID:     string(r.BillID),
		CustomerID: string(r.CustomerID),
		Phone:      r.Phone,
		Status:     string(r.Status),
		Detail:     r.Detail,
		SentAt:     r.SentAt.Format(time.RFC3339),
	}
}

func timeRef(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

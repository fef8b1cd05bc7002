/*
Package billing provides the core billing and payment reconciliation engine
for a water utility.

PURPOSE:
  This package contains the domain types and algorithms for turning meter
  readings into bills, distributing incoming payments across outstanding
  bills, and keeping per-customer credit balances consistent through an
  append-only movement log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Bill:            One billing period's charge for one meter
  - Payment:         One money movement, possibly covering several bills
  - BillAllocation:  How much of a payment went to a specific bill
  - BalanceMovement: Immutable entry in the credit-balance log
  - Typed IDs:       Strong typing prevents mixing customer/bill/payment IDs

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every monetary amount, never floats
  2. Immutability: allocations and movements are never edited, only
     compensated by new records
  3. One source of truth: a bill's cached settlement state is always
     recomputed through SettlementFor, never hand-set

SEE ALSO:
  - allocation.go: Pure oldest-first distribution of a payment
  - lifecycle.go:  Payment state machine (submit/approve/reject)
  - credit.go:     Credit balance ledger
  - store.go:      Persistence interfaces
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type MeterID string
type ReadingID string
type BillID string
type PaymentID string
type MovementID string
type UserID string

// =============================================================================
// SETTLEMENT STATE - Cached on the bill row
// =============================================================================

// SettlementState is the bill-side view of where its money stands.
// The numeric values are part of the stored contract and must not change.
type SettlementState int

const (
	SettlementPending  SettlementState = 0
	SettlementInReview SettlementState = 1
	SettlementSettled  SettlementState = 2
)

func (s SettlementState) String() string {
	switch s {
	case SettlementPending:
		return "pending"
	case SettlementInReview:
		return "in_review"
	case SettlementSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// SettlementFor is the single canonical computation of a bill's cached
// settlement state. Every mutation path must go through it; hand-setting
// the state field elsewhere is how the cache drifts from the ledger.
func SettlementFor(b *Bill, inReviewClaim bool) SettlementState {
	switch {
	case b.Outstanding.Sign() <= 0:
		return SettlementSettled
	case inReviewClaim:
		return SettlementInReview
	default:
		return SettlementPending
	}
}

// =============================================================================
// PAYMENT STATE & METHOD
// =============================================================================

type PaymentState string

const (
	PaymentPending  PaymentState = "pending"
	PaymentInReview PaymentState = "in_review"
	PaymentApproved PaymentState = "approved"
	PaymentRejected PaymentState = "rejected"
)

// IsTerminal reports whether the payment can no longer transition.
func (p PaymentState) IsTerminal() bool {
	return p == PaymentApproved || p == PaymentRejected
}

type PaymentMethod string

const (
	MethodTransfer      PaymentMethod = "transfer"
	MethodCash          PaymentMethod = "cash"
	MethodCreditBalance PaymentMethod = "credit_balance"
	MethodOther         PaymentMethod = "other"
)

// =============================================================================
// BILL - One billing period's charge for one meter
// =============================================================================

type Bill struct {
	ID           BillID
	Number       string // BOL-YYYYMM-NNNN, per-period sequence
	ReadingID    ReadingID
	MeterID      MeterID
	CustomerID   CustomerID
	CustomerName string // snapshot at issue time, display only
	Period       Period

	CurrentReading int64
	PriorReading   int64
	Consumption    int64 // m3, never negative

	FixedCharge decimal.Decimal
	UnitPrice   decimal.Decimal
	Subtotal    decimal.Decimal // consumption * unit price
	Total       decimal.Decimal // fixed charge + subtotal

	AmountPaid  decimal.Decimal
	Outstanding decimal.Decimal
	State       SettlementState

	IssuedAt time.Time
	PaidAt   *time.Time
	Method   PaymentMethod
	ProofRef string // opaque proof-of-payment reference, shared across a submission

	CreatedAt time.Time
}

// =============================================================================
// PAYMENT - One money movement event
// =============================================================================

type Payment struct {
	ID         PaymentID
	Number     string // PAG-YYYYMM-NNNN
	CustomerID CustomerID

	AmountTotal    decimal.Decimal // money actually received
	AmountApplied  decimal.Decimal // portion applied to bills
	AmountToCredit decimal.Decimal // overflow becoming credit on approval
	CreditUsed     decimal.Decimal // existing balance consumed by this payment

	ProofRef string
	Method   PaymentMethod
	State    PaymentState

	PaidOn      time.Time // date the money moved
	SubmittedAt time.Time

	ProcessedAt     *time.Time
	ProcessedBy     UserID
	RejectionReason string
	Notes           string

	CreatedAt time.Time
}

// =============================================================================
// BILL ALLOCATION - Join record, immutable after creation
// =============================================================================

type BillAllocation struct {
	PaymentID      PaymentID
	BillID         BillID
	Amount         decimal.Decimal
	FullSettlement bool // this allocation brings the bill to zero
	CreatedAt      time.Time
}

// =============================================================================
// BALANCE MOVEMENT - Append-only credit ledger entry
// =============================================================================

type MovementType string

const (
	MovementCredit     MovementType = "credit"
	MovementDebit      MovementType = "debit"
	MovementAdjustment MovementType = "adjustment"
)

type MovementOrigin string

const (
	OriginPaymentOverflow MovementOrigin = "payment_overflow"
	OriginBillApplication MovementOrigin = "bill_application"
	OriginAdminAdjustment MovementOrigin = "admin_adjustment"
)

type BalanceMovement struct {
	ID         MovementID
	CustomerID CustomerID
	Type       MovementType
	Origin     MovementOrigin

	Amount        decimal.Decimal // signed: positive credits, negative debits
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal

	Description string
	PaymentID   PaymentID // optional reference
	BillID      BillID    // optional reference
	ActorID     UserID    // optional, who performed the action

	CreatedAt time.Time
}

// =============================================================================
// UPSTREAM RECORDS - Readings, tariffs, customers, meters
// =============================================================================

// Reading is one meter reading for one period.
type Reading struct {
	ID       ReadingID
	MeterID  MeterID
	Value    int64 // cumulative m3 on the dial
	Period   Period
	TakenOn  time.Time
	PhotoRef string
	Source   ReadingSourceKind
}

type ReadingSourceKind string

const (
	ReadingManual    ReadingSourceKind = "manual"
	ReadingGenerated ReadingSourceKind = "generated"
)

// Tariff is the active pricing: a fixed charge plus a volumetric price.
type Tariff struct {
	ID          string
	FixedCharge decimal.Decimal
	UnitPrice   decimal.Decimal
	Active      bool
	CreatedAt   time.Time
}

type Customer struct {
	ID            CustomerID
	Name          string
	FullName      string
	Phone         string
	WantsMessages bool
	Active        bool
}

type Meter struct {
	ID         MeterID
	CustomerID CustomerID
	Number     string
	Address    string
	Active     bool
}

// =============================================================================
// ACCOUNT SUMMARY - Customer-facing view
// =============================================================================

type AccountSummary struct {
	CustomerID           CustomerID
	CreditBalance        decimal.Decimal
	TotalDebt            decimal.Decimal
	PendingBillCount     int
	InReviewPaymentCount int
	RecentMovements      []BalanceMovement
}

/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Customers:
    GET    /api/customers                      List customers
    POST   /api/customers                      Create customer
    GET    /api/customers/{id}                 Customer details
    GET    /api/customers/{id}/summary         Account summary
    GET    /api/customers/{id}/movements       Balance movement log
    POST   /api/customers/{id}/adjust-balance  Manual balance adjustment
    POST   /api/customers/{id}/use-credit      Pay bills from credit
    POST   /api/customers/{id}/repair-balance  Replay movement log

  Bills:
    GET    /api/bills           List (customer_id, state, year/month filters)
    POST   /api/bills           Issue a bill from a reading
    GET    /api/bills/stats     Aggregates per settlement state
    GET    /api/bills/{id}      Bill with its allocations
    DELETE /api/bills/{id}      Delete (blocked while referenced)

  Payments:
    POST   /api/payments/preview        Allocation dry run
    POST   /api/payments/submit         Customer submission with proof
    POST   /api/payments/direct         Admin cash payment
    POST   /api/payments/{id}/approve   Commit funds
    POST   /api/payments/{id}/reject    Release provisional marks

  Generation / Notices / Tariffs: see server.go

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate bill, wrong lifecycle state)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aguavista/billing-engine/billing"
	"github.com/aguavista/billing-engine/generation"
	"github.com/aguavista/billing-engine/notify"
	"github.com/aguavista/billing-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Billing    *billing.Service
	Generation *generation.Service
	Notify     *notify.Service
	Scheduler  *generation.Scheduler
	Logger     *zap.Logger
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(store *sqlite.Store, b *billing.Service, g *generation.Service, n *notify.Service, sched *generation.Scheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:      store,
		Billing:    b,
		Generation: g,
		Notify:     n,
		Scheduler:  sched,
		Logger:     logger,
	}
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Store.ListCustomers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list customers", err)
		return
	}
	if customers == nil {
		customers = []billing.Customer{}
	}
	writeJSON(w, http.StatusOK, customers)
}

func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	c := &billing.Customer{
		ID:            billing.CustomerID(uuid.NewString()),
		Name:          req.Name,
		FullName:      req.FullName,
		Phone:         req.Phone,
		WantsMessages: req.WantsMessages,
		Active:        true,
	}
	if err := h.Store.SaveCustomer(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.CustomerByID(r.Context(), billing.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) GetAccountSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Billing.AccountSummaryFor(r.Context(), billing.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to build account summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	movements, err := h.Store.MovementsByCustomer(r.Context(), billing.CustomerID(chi.URLParam(r, "id")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list movements", err)
		return
	}
	dtos := make([]MovementDTO, 0, len(movements))
	for _, m := range movements {
		dtos = append(dtos, toMovementDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	m, err := h.Billing.AdjustCustomerBalance(r.Context(),
		billing.CustomerID(chi.URLParam(r, "id")), amount, req.Description, billing.UserID(req.StaffID))
	if err != nil {
		writeDomainError(w, "Failed to adjust balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTO(*m))
}

func (h *Handler) UseCredit(w http.ResponseWriter, r *http.Request) {
	var req UseCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	payment, err := h.Billing.UseCreditForBills(r.Context(),
		billing.CustomerID(chi.URLParam(r, "id")), toBillIDs(req.TargetBills), billing.UserID(req.ActorID))
	if err != nil {
		writeDomainError(w, "Failed to apply credit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(payment, nil))
}

func (h *Handler) RepairBalance(w http.ResponseWriter, r *http.Request) {
	replayed, previous, err := h.Billing.RepairBalance(r.Context(), billing.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to repair balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"previous": previous.StringFixed(2),
		"replayed": replayed.StringFixed(2),
	})
}

// =============================================================================
// METER & READING HANDLERS
// =============================================================================

func (h *Handler) CreateMeter(w http.ResponseWriter, r *http.Request) {
	var req CreateMeterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.CustomerID == "" || req.Number == "" {
		writeError(w, http.StatusBadRequest, "customer_id and number are required", nil)
		return
	}
	m := &billing.Meter{
		ID:         billing.MeterID(uuid.NewString()),
		CustomerID: billing.CustomerID(req.CustomerID),
		Number:     req.Number,
		Address:    req.Address,
		Active:     true,
	}
	if err := h.Store.SaveMeter(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create meter", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) CreateReading(w http.ResponseWriter, r *http.Request) {
	var req CreateReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MeterID == "" || req.Year == 0 || req.Month < 1 || req.Month > 12 {
		writeError(w, http.StatusBadRequest, "meter_id, year and month are required", nil)
		return
	}
	reading := &billing.Reading{
		ID:       billing.ReadingID(uuid.NewString()),
		MeterID:  billing.MeterID(req.MeterID),
		Value:    req.Value,
		Period:   billing.Period{Year: req.Year, Month: time.Month(req.Month)},
		TakenOn:  time.Now(),
		PhotoRef: req.PhotoRef,
		Source:   billing.ReadingManual,
	}
	if err := h.Store.CreateReading(r.Context(), reading); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create reading", err)
		return
	}
	writeJSON(w, http.StatusCreated, reading)
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	f, err := billFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	bills, err := h.Billing.Bills(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list bills", err)
		return
	}
	dtos := make([]BillDTO, 0, len(bills))
	for i := range bills {
		dtos = append(dtos, toBillDTO(&bills[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) IssueBill(w http.ResponseWriter, r *http.Request) {
	var req IssueBillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	customer, err := h.Store.CustomerByID(r.Context(), billing.CustomerID(req.CustomerID))
	if err != nil {
		writeDomainError(w, "Failed to load customer", err)
		return
	}
	bill, err := h.Billing.IssueBill(r.Context(), billing.ReadingID(req.ReadingID), customer)
	if err != nil {
		writeDomainError(w, "Failed to issue bill", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBillDTO(bill))
}

func (h *Handler) GetBillStats(w http.ResponseWriter, r *http.Request) {
	f, err := billFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	stats, err := h.Billing.BillStatsFor(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":            stats.Total,
		"pending":          stats.Pending,
		"in_review":        stats.InReview,
		"settled":          stats.Settled,
		"amount_total":     stats.AmountTotal.StringFixed(2),
		"amount_pending":   stats.AmountPending.StringFixed(2),
		"amount_in_review": stats.AmountInReview.StringFixed(2),
		"amount_settled":   stats.AmountSettled.StringFixed(2),
	})
}

func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	bill, allocs, err := h.Billing.BillDetail(r.Context(), billing.BillID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get bill", err)
		return
	}
	dto := toBillDTO(bill)
	allocDTOs := make([]AllocationDTO, 0, len(allocs))
	for _, a := range allocs {
		allocDTOs = append(allocDTOs, AllocationDTO{
			PaymentID:      string(a.PaymentID),
			BillID:         string(a.BillID),
			Amount:         a.Amount.StringFixed(2),
			FullSettlement: a.FullSettlement,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bill": dto, "allocations": allocDTOs})
}

func (h *Handler) DeleteBill(w http.ResponseWriter, r *http.Request) {
	if err := h.Billing.DeleteBill(r.Context(), billing.BillID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, "Failed to delete bill", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := billing.PaymentFilter{
		CustomerID: billing.CustomerID(q.Get("customer_id")),
		State:      billing.PaymentState(q.Get("state")),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	payments, err := h.Billing.Payments(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, 0, len(payments))
	for i := range payments {
		dtos = append(dtos, toPaymentDTO(&payments[i], nil))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) PreviewAllocation(w http.ResponseWriter, r *http.Request) {
	var req PreviewAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	plan, err := h.Billing.PreviewAllocation(r.Context(),
		billing.CustomerID(req.CustomerID), amount, toBillIDs(req.TargetBills), req.UseCredit)
	if err != nil {
		writeDomainError(w, "Failed to preview allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req SubmitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	payment, err := h.Billing.SubmitPayment(r.Context(), billing.SubmitInput{
		CustomerID:  billing.CustomerID(req.CustomerID),
		Amount:      amount,
		TargetBills: toBillIDs(req.TargetBills),
		ProofRef:    req.ProofRef,
		Method:      paymentMethod(req.Method),
		PaidOn:      parseDate(req.PaidOn),
		Notes:       req.Notes,
	})
	if err != nil {
		writeDomainError(w, "Failed to submit payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(payment, nil))
}

func (h *Handler) RegisterDirectPayment(w http.ResponseWriter, r *http.Request) {
	var req DirectPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	payment, err := h.Billing.RegisterDirectPayment(r.Context(), billing.DirectInput{
		CustomerID:  billing.CustomerID(req.CustomerID),
		Amount:      amount,
		TargetBills: toBillIDs(req.TargetBills),
		Method:      paymentMethod(req.Method),
		StaffID:     billing.UserID(req.StaffID),
		PaidOn:      parseDate(req.PaidOn),
		Notes:       req.Notes,
	})
	if err != nil {
		writeDomainError(w, "Failed to register payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(payment, nil))
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	payment, allocs, err := h.Billing.PaymentDetail(r.Context(), billing.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(payment, allocs))
}

func (h *Handler) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	var req ApprovePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := billing.PaymentID(chi.URLParam(r, "id"))
	if err := h.Billing.ApprovePayment(r.Context(), id, billing.UserID(req.StaffID)); err != nil {
		writeDomainError(w, "Failed to approve payment", err)
		return
	}
	payment, allocs, err := h.Billing.PaymentDetail(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to reload payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(payment, allocs))
}

func (h *Handler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	var req RejectPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := billing.PaymentID(chi.URLParam(r, "id"))
	if err := h.Billing.RejectPayment(r.Context(), id, req.Reason, billing.UserID(req.StaffID)); err != nil {
		writeDomainError(w, "Failed to reject payment", err)
		return
	}
	payment, allocs, err := h.Billing.PaymentDetail(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to reload payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(payment, allocs))
}

// =============================================================================
// TARIFF HANDLERS
// =============================================================================

func (h *Handler) GetCurrentTariff(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.CurrentTariff(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to get tariff", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":           t.ID,
		"fixed_charge": t.FixedCharge.StringFixed(2),
		"unit_price":   t.UnitPrice.StringFixed(2),
	})
}

func (h *Handler) SaveTariff(w http.ResponseWriter, r *http.Request) {
	var req SaveTariffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	fixed, err := decimal.NewFromString(req.FixedCharge)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fixed_charge", err)
		return
	}
	unit, err := decimal.NewFromString(req.UnitPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_price", err)
		return
	}
	t := &billing.Tariff{
		ID:          uuid.NewString(),
		FixedCharge: fixed,
		UnitPrice:   unit,
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if err := h.Store.SaveTariff(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save tariff", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": t.ID})
}

// =============================================================================
// GENERATION HANDLERS
// =============================================================================

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.Generation.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, 0, len(runs))
	for i := range runs {
		dtos = append(dtos, toRunDTO(&runs[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) TriggerGeneration(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := periodOf(req.Year, req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	run, err := h.Generation.Generate(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Generation run failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRunDTO(run))
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Generation.RunByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Run not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

func (h *Handler) PreviewGeneration(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	plans, err := h.Generation.Preview(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to preview generation", err)
		return
	}
	type planDTO struct {
		MeterID      string `json:"meter_id"`
		MeterNumber  string `json:"meter_number"`
		HasReading   bool   `json:"has_reading"`
		WillEstimate bool   `json:"will_estimate"`
		Estimated    int64  `json:"estimated,omitempty"`
		SkipReason   string `json:"skip_reason,omitempty"`
	}
	dtos := make([]planDTO, 0, len(plans))
	for _, p := range plans {
		dtos = append(dtos, planDTO{
			MeterID:      string(p.Meter.ID),
			MeterNumber:  p.Meter.Number,
			HasReading:   p.HasReading,
			WillEstimate: p.WillEstimate,
			Estimated:    p.Estimated,
			SkipReason:   p.SkipReason,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.Store.Schedule(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load schedule", err)
		return
	}
	if sched == nil {
		sched = &generation.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":      sched.Enabled,
		"day_of_month": sched.DayOfMonth,
		"hour":         sched.Hour,
	})
}

func (h *Handler) SaveSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.DayOfMonth < 1 || req.DayOfMonth > 28 || req.Hour < 0 || req.Hour > 23 {
		writeError(w, http.StatusBadRequest, "day_of_month must be 1-28 and hour 0-23", nil)
		return
	}
	sched := &generation.Schedule{
		Enabled:    req.Enabled,
		DayOfMonth: req.DayOfMonth,
		Hour:       req.Hour,
		UpdatedAt:  time.Now(),
	}
	if err := h.Store.SaveSchedule(r.Context(), sched); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// =============================================================================
// NOTICE HANDLERS
// =============================================================================

func (h *Handler) ListNotices(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	records, err := h.Notify.Sends(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list notices", err)
		return
	}
	dtos := make([]SendRecordDTO, 0, len(records))
	for _, rec := range records {
		dtos = append(dtos, toSendRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) PreviewNotices(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	bills, err := h.Notify.Preview(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to preview notices", err)
		return
	}
	dtos := make([]BillDTO, 0, len(bills))
	for i := range bills {
		dtos = append(dtos, toBillDTO(&bills[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) DispatchNotices(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := periodOf(req.Year, req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	result, err := h.Notify.Dispatch(r.Context(), period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Dispatch failed", err)
		return
	}
	records := make([]SendRecordDTO, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, toSendRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period":  result.Period.String(),
		"sent":    result.Sent,
		"skipped": result.Skipped,
		"failed":  result.Failed,
		"records": records,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, billing.ErrDuplicateBill),
		errors.Is(err, billing.ErrInvalidState),
		errors.Is(err, billing.ErrBillReferenced):
		writeError(w, http.StatusConflict, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func billFilterFromQuery(r *http.Request) (billing.BillFilter, error) {
	q := r.URL.Query()
	f := billing.BillFilter{
		CustomerID:   billing.CustomerID(q.Get("customer_id")),
		MeterID:      billing.MeterID(q.Get("meter_id")),
		MissingProof: q.Get("missing_proof") == "true",
	}
	if s := q.Get("state"); s != "" {
		state, err := settlementState(s)
		if err != nil {
			return f, err
		}
		f.State = &state
	}
	if q.Get("year") != "" || q.Get("month") != "" {
		p, err := periodFromQuery(r)
		if err != nil {
			return f, err
		}
		f.Period = &p
	}
	return f, nil
}

func settlementState(s string) (billing.SettlementState, error) {
	switch s {
	case "pending":
		return billing.SettlementPending, nil
	case "in_review":
		return billing.SettlementInReview, nil
	case "settled":
		return billing.SettlementSettled, nil
	default:
		return 0, errors.New("state must be pending, in_review or settled")
	}
}

func toBillIDs(ids []string) []billing.BillID {
	out := make([]billing.BillID, len(ids))
	for i, id := range ids {
		out[i] = billing.BillID(id)
	}
	return out
}

func paymentMethod(s string) billing.PaymentMethod {
	switch billing.PaymentMethod(s) {
	case billing.MethodTransfer, billing.MethodCash, billing.MethodCreditBalance:
		return billing.PaymentMethod(s)
	default:
		return billing.MethodOther
	}
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func periodOf(year, month int) (billing.Period, error) {
	if year < 2000 || month < 1 || month > 12 {
		return billing.Period{}, errors.New("year and month (1-12) are required")
	}
	return billing.Period{Year: year, Month: time.Month(month)}, nil
}

func periodFromQuery(r *http.Request) (billing.Period, error) {
	year, _ := strconv.Atoi(r.URL.Query().Get("year"))
	month, _ := strconv.Atoi(r.URL.Query().Get("month"))
	return periodOf(year, month)
}

package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-hms/meridian-hms/internal/platform/httpx"
	"github.com/meridian-hms/meridian-hms/internal/shared"
)

// Handler wires the billing HTTP endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers billing routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/bills", h.createBill)
	r.Get("/bills", h.listBills)
	r.Get("/bills/{id}", h.getBill)
	r.Get("/bills/{id}/details", h.getBillDetails)
	r.Post("/bills/{id}/pay", h.payBill)
	r.Post("/bills/{id}/claim", h.attachClaim)
	r.Post("/bills/{id}/claim/advance", h.advanceClaim)
	r.Get("/summary", h.getSummary)
	r.Get("/aging", h.getAging)
}

type billItemRequest struct {
	Description string  `json:"description" validate:"required"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
}

type createBillRequest struct {
	PatientRef     string            `json:"patient_ref" validate:"required"`
	AdmissionRef   string            `json:"admission_ref"`
	Currency       string            `json:"currency"`
	Number         string            `json:"number"`
	DueDate        string            `json:"due_date"`
	CreatedBy      int64             `json:"created_by"`
	IdempotencyKey string            `json:"idempotency_key"`
	Items          []billItemRequest `json:"items" validate:"required,min=1,dive"`
}

type attachClaimRequest struct {
	Provider       string  `json:"provider" validate:"required"`
	PolicyNumber   string  `json:"policy_number" validate:"required"`
	InsuranceType  string  `json:"insurance_type" validate:"required,oneof=cashless reimbursement"`
	ClaimAmount    float64 `json:"claim_amount" validate:"required,gt=0"`
	Notes          string  `json:"notes"`
	ActorID        int64   `json:"actor_id"`
	IdempotencyKey string  `json:"idempotency_key"`
}

type advanceClaimRequest struct {
	Target         string   `json:"target" validate:"required"`
	ApprovedAmount *float64 `json:"approved_amount"`
	Notes          string   `json:"notes"`
	ActorID        int64    `json:"actor_id"`
	IdempotencyKey string   `json:"idempotency_key"`
}

type payBillRequest struct {
	ActorID        int64  `json:"actor_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) createBill(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", validationDetail(err))
		return
	}

	var dueDate time.Time
	if req.DueDate != "" {
		parsed, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation failed", "due_date must be formatted YYYY-MM-DD")
			return
		}
		dueDate = parsed
	}

	input := CreateBillInput{
		PatientRef:     req.PatientRef,
		AdmissionRef:   req.AdmissionRef,
		Currency:       req.Currency,
		Number:         req.Number,
		DueDate:        dueDate,
		CreatedBy:      req.CreatedBy,
		IdempotencyKey: req.IdempotencyKey,
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, BillItemInput{Description: item.Description, Amount: item.Amount})
	}

	bill, err := h.service.CreateBill(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, billView(bill))
}

func (h *Handler) listBills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	pagination := shared.NewPagination(page, perPage, 0)

	req := ListBillsRequest{
		Status:     BillStatus(q.Get("status")),
		PatientRef: q.Get("patient_ref"),
		Limit:      pagination.PerPage,
		Offset:     pagination.Offset(),
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation failed", "from must be formatted YYYY-MM-DD")
			return
		}
		req.FromDate = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation failed", "to must be formatted YYYY-MM-DD")
			return
		}
		req.ToDate = t
	}

	bills, total, err := h.service.ListBills(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	views := make([]billResponse, 0, len(bills))
	for _, bill := range bills {
		views = append(views, billView(bill))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"bills":      views,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}

func (h *Handler) getBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	bill, err := h.service.GetBill(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, billView(bill))
}

func (h *Handler) getBillDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.GetBillWithDetails(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	events := make([]claimEventResponse, 0, len(detail.Events))
	for _, e := range detail.Events {
		events = append(events, claimEventView(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"bill":   billView(detail.Bill),
		"events": events,
	})
}

func (h *Handler) payBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	var req payBillRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
			return
		}
	}
	bill, err := h.service.MarkBillPaid(r.Context(), id, PayBillInput{
		ActorID:        req.ActorID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, billView(bill))
}

func (h *Handler) attachClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	var req attachClaimRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", validationDetail(err))
		return
	}
	bill, err := h.service.AttachClaim(r.Context(), id, AttachClaimInput{
		Provider:       req.Provider,
		PolicyNumber:   req.PolicyNumber,
		InsuranceType:  InsuranceType(req.InsuranceType),
		ClaimAmount:    req.ClaimAmount,
		Notes:          req.Notes,
		ActorID:        req.ActorID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, billView(bill))
}

func (h *Handler) advanceClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := h.billID(w, r)
	if !ok {
		return
	}
	var req advanceClaimRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", validationDetail(err))
		return
	}
	bill, err := h.service.AdvanceClaim(r.Context(), id, AdvanceClaimInput{
		Target:         ClaimStatus(req.Target),
		ApprovedAmount: req.ApprovedAmount,
		Notes:          req.Notes,
		ActorID:        req.ActorID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, billView(bill))
}

func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetSummary(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) getAging(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now()
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation failed", "as_of must be formatted YYYY-MM-DD")
			return
		}
		asOf = t
	}
	aging, err := h.service.CalculateAging(r.Context(), asOf)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, aging)
}

func (h *Handler) billID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid bill ID", "bill id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrClaimExists):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrNoClaim):
		httpx.Problem(w, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrLockNotAcquired):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "the bill is being updated, retry shortly")
	default:
		h.logger.Error("billing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal error", "an unexpected error occurred")
	}
}

func validationDetail(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fieldErrs[0].Error()
	}
	return err.Error()
}

// --- Response views ---

type billResponse struct {
	ID           int64              `json:"id"`
	Number       string             `json:"number"`
	PatientRef   string             `json:"patient_ref"`
	AdmissionRef string             `json:"admission_ref,omitempty"`
	Currency     string             `json:"currency"`
	TotalAmount  float64            `json:"total_amount"`
	PaidAmount   float64            `json:"paid_amount"`
	DueAmount    float64            `json:"due_amount"`
	Status       BillStatus         `json:"status"`
	Items        []billItemResponse `json:"items"`
	Claim        *claimResponse     `json:"claim,omitempty"`
	DueAt        time.Time          `json:"due_at"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type billItemResponse struct {
	ID          int64   `json:"id"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

type claimResponse struct {
	ID             string        `json:"id"`
	Provider       string        `json:"provider"`
	PolicyNumber   string        `json:"policy_number"`
	InsuranceType  InsuranceType `json:"insurance_type"`
	ClaimAmount    float64       `json:"claim_amount"`
	ApprovedAmount *float64      `json:"approved_amount,omitempty"`
	Status         ClaimStatus   `json:"status"`
	ReviewNotes    string        `json:"review_notes,omitempty"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type claimEventResponse struct {
	ID      int64       `json:"id"`
	ClaimID string      `json:"claim_id"`
	ActorID int64       `json:"actor_id,omitempty"`
	From    ClaimStatus `json:"from,omitempty"`
	To      ClaimStatus `json:"to"`
	Notes   string      `json:"notes,omitempty"`
	At      time.Time   `json:"at"`
}

func billView(bill Bill) billResponse {
	items := make([]billItemResponse, 0, len(bill.Items))
	for _, item := range bill.Items {
		items = append(items, billItemResponse{ID: item.ID, Description: item.Description, Amount: item.Amount})
	}
	resp := billResponse{
		ID:           bill.ID,
		Number:       bill.Number,
		PatientRef:   bill.PatientRef,
		AdmissionRef: bill.AdmissionRef,
		Currency:     bill.Currency,
		TotalAmount:  bill.TotalAmount,
		PaidAmount:   bill.PaidAmount,
		DueAmount:    bill.DueAmount,
		Status:       bill.Status,
		Items:        items,
		DueAt:        bill.DueAt,
		CreatedAt:    bill.CreatedAt,
		UpdatedAt:    bill.UpdatedAt,
	}
	if bill.Claim != nil {
		claim := claimView(*bill.Claim)
		resp.Claim = &claim
	}
	return resp
}

func claimView(claim Claim) claimResponse {
	return claimResponse{
		ID:             claim.ID.String(),
		Provider:       claim.Provider,
		PolicyNumber:   claim.PolicyNumber,
		InsuranceType:  claim.InsuranceType,
		ClaimAmount:    claim.ClaimAmount,
		ApprovedAmount: claim.ApprovedAmount,
		Status:         claim.Status,
		ReviewNotes:    claim.ReviewNotes,
		SubmittedAt:    claim.SubmittedAt,
		UpdatedAt:      claim.UpdatedAt,
	}
}

func claimEventView(event ClaimEvent) claimEventResponse {
	return claimEventResponse{
		ID:      event.ID,
		ClaimID: event.ClaimID.String(),
		ActorID: event.ActorID,
		From:    event.From,
		To:      event.To,
		Notes:   event.Notes,
		At:      event.At,
	}
}

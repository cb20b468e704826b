package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
	"github.com/vladislavdragonenkov/purchasing/internal/service/purchase"
	"github.com/vladislavdragonenkov/purchasing/internal/service/redemption"
)

// userIDHeader проставляется вышестоящим шлюзом после аутентификации.
const userIDHeader = "X-User-ID"

var errUserRequired = errors.New("user is not authenticated")

// Handler обслуживает HTTP API попыток покупки и погашений.
type Handler struct {
	orchestrator purchase.Orchestrator
	redemptions  redemption.Engine
	idempotency  domain.IdempotencyRepository
	logger       *log.Entry
}

// NewHandler создаёт HTTP handler. idempotency может быть nil — тогда
// поддержка Idempotency-Key отключена.
func NewHandler(
	orchestrator purchase.Orchestrator,
	redemptions redemption.Engine,
	idempotency domain.IdempotencyRepository,
	logger *log.Entry,
) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "http")
	}
	return &Handler{
		orchestrator: orchestrator,
		redemptions:  redemptions,
		idempotency:  idempotency,
		logger:       logger,
	}
}

type submitRequest struct {
	Items       []itemRequest `json:"items"`
	CouponCode  string        `json:"coupon_code"`
	Token       string        `json:"token"`
	CreatorMail string        `json:"creator_mail"`
	// ExpectedAmountMinor == nil означает «клиент не передал ожидаемую сумму».
	ExpectedAmountMinor *int64            `json:"expected_amount_minor"`
	Tenant              string            `json:"tenant"`
	Description         string            `json:"description"`
	Context             map[string]string `json:"context"`

	Gift       *giftRequest       `json:"gift"`
	Invitation *invitationRequest `json:"invitation"`
}

type itemRequest struct {
	PurchasableID string `json:"purchasable_id"`
	// Qty == nil — количество не передано, подставляется 1. Явный ноль
	// доходит до валидации заказа и отклоняется.
	Qty *int32 `json:"qty"`
}

func orderItems(items []itemRequest) []domain.PurchaseItem {
	result := make([]domain.PurchaseItem, 0, len(items))
	for _, item := range items {
		qty := int32(1)
		if item.Qty != nil {
			qty = *item.Qty
		}
		result = append(result, domain.PurchaseItem{PurchasableID: item.PurchasableID, Qty: qty})
	}
	return result
}

type giftRequest struct {
	Receiver     string     `json:"receiver"`
	ReceiverName string     `json:"receiver_name"`
	SenderName   string     `json:"sender_name"`
	Message      string     `json:"message"`
	DeliveryDate *time.Time `json:"delivery_date"`
}

type invitationRequest struct {
	Capacity  int32     `json:"capacity"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (req *submitRequest) toSubmitRequest(userID string) purchase.SubmitRequest {
	items := orderItems(req.Items)

	expected := int64(-1)
	if req.ExpectedAmountMinor != nil {
		expected = *req.ExpectedAmountMinor
	}

	return purchase.SubmitRequest{
		UserID:              userID,
		CreatorMail:         req.CreatorMail,
		Order:               domain.NewPurchaseOrder(items, req.CouponCode),
		Token:               req.Token,
		ExpectedAmountMinor: expected,
		Tenant:              req.Tenant,
		Description:         req.Description,
		Context:             req.Context,
	}
}

// SubmitPurchase обрабатывает POST /purchases: обычная покупка, подарок или
// пул приглашений в зависимости от тела запроса.
func (h *Handler) SubmitPurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		attempt domain.PurchaseAttempt
		err     error
	)

	switch {
	case req.Gift != nil:
		attempt, err = h.orchestrator.SubmitGift(r.Context(), purchase.GiftRequest{
			SubmitRequest: req.toSubmitRequest(userID),
			Gift: domain.GiftDetails{
				Sender:       userID,
				SenderName:   req.Gift.SenderName,
				Receiver:     req.Gift.Receiver,
				ReceiverName: req.Gift.ReceiverName,
				Message:      req.Gift.Message,
				DeliveryDate: req.Gift.DeliveryDate,
			},
		})
	case req.Invitation != nil:
		attempt, err = h.orchestrator.SubmitInvitation(r.Context(), purchase.InvitationRequest{
			SubmitRequest: req.toSubmitRequest(userID),
			Capacity:      req.Invitation.Capacity,
			ExpiresAt:     req.Invitation.ExpiresAt,
		})
	default:
		attempt, err = h.orchestrator.Submit(r.Context(), req.toSubmitRequest(userID))
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, renderAttempt(attempt))
}

type priceRequest struct {
	Items      []itemRequest `json:"items"`
	CouponCode string        `json:"coupon_code"`
}

type priceResponse struct {
	Items                   []priceItemResponse `json:"items"`
	Currency                string              `json:"currency"`
	TotalPurchasePriceMinor int64               `json:"total_purchase_price_minor"`
	TotalNonDiscountedMinor int64               `json:"total_non_discounted_minor"`
}

type priceItemResponse struct {
	PurchasableID      string `json:"purchasable_id"`
	Qty                int32  `json:"qty"`
	Currency           string `json:"currency"`
	AmountMinor        int64  `json:"amount_minor"`
	PurchasePriceMinor int64  `json:"purchase_price_minor"`
}

// PricePurchase обрабатывает POST /purchases/price: расчёт цены без отправки.
func (h *Handler) PricePurchase(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}

	var req priceRequest
	if !h.decode(w, r, &req) {
		return
	}

	pricing, err := h.orchestrator.Price(domain.NewPurchaseOrder(orderItems(req.Items), req.CouponCode))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := priceResponse{
		Currency:                pricing.Currency,
		TotalPurchasePriceMinor: pricing.TotalPurchasePriceMinor,
		TotalNonDiscountedMinor: pricing.TotalNonDiscountedMinor,
	}
	for _, item := range pricing.Items {
		resp.Items = append(resp.Items, priceItemResponse{
			PurchasableID:      item.PurchasableID,
			Qty:                item.Qty,
			Currency:           item.Currency,
			AmountMinor:        item.AmountMinor,
			PurchasePriceMinor: item.PurchasePriceMinor,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetPurchase обрабатывает GET /purchases/:id. Чтение зависшей pending-попытки
// по пути запускает сверку с процессором, поэтому клиент при поллинге статуса
// сам вытягивает потерянный результат.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}

	attemptID := r.URL.Query().Get(":id")
	attempt, err := h.orchestrator.SyncIfStale(r.Context(), attemptID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, renderAttempt(attempt))
}

// ListPurchases обрабатывает GET /purchases: история попыток пользователя.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	attempts, err := h.orchestrator.History(userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		resp = append(resp, renderAttempt(attempt))
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeletePurchase обрабатывает DELETE /purchases/:id.
func (h *Handler) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}

	if err := h.orchestrator.Delete(r.Context(), r.URL.Query().Get(":id")); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type refundRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Reason      string `json:"reason"`
}

// RefundPurchase обрабатывает POST /purchases/:id/refund.
func (h *Handler) RefundPurchase(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}

	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}

	attemptID := r.URL.Query().Get(":id")
	if err := h.orchestrator.Refund(r.Context(), attemptID, req.AmountMinor, req.Reason); err != nil {
		writeError(w, err)
		return
	}

	attempt, err := h.orchestrator.Get(attemptID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAttempt(attempt))
}

type invoiceResponse struct {
	AttemptID   string              `json:"attempt_id"`
	Code        string              `json:"code"`
	ChargeID    string              `json:"charge_id"`
	AmountMinor int64               `json:"amount_minor"`
	Currency    string              `json:"currency"`
	Items       []priceItemResponse `json:"items"`
	IssuedAt    time.Time           `json:"issued_at"`
}

// GetInvoice обрабатывает GET /purchases/:id/invoice.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}

	invoice, err := h.orchestrator.GenerateInvoice(r.Context(), r.URL.Query().Get(":id"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := invoiceResponse{
		AttemptID:   invoice.AttemptID,
		Code:        invoice.Code,
		ChargeID:    invoice.ChargeID,
		AmountMinor: invoice.AmountMinor,
		Currency:    invoice.Currency,
		IssuedAt:    invoice.IssuedAt,
	}
	for _, item := range invoice.Items {
		resp.Items = append(resp.Items, priceItemResponse{
			PurchasableID:      item.PurchasableID,
			Qty:                item.Qty,
			Currency:           item.Currency,
			AmountMinor:        item.AmountMinor,
			PurchasePriceMinor: item.PurchasePriceMinor,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type redeemInvitationRequest struct {
	Code          string `json:"code"`
	PurchasableID string `json:"purchasable_id"`
}

// RedeemInvitation обрабатывает POST /redemptions/invitation.
func (h *Handler) RedeemInvitation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req redeemInvitationRequest
	if !h.decode(w, r, &req) {
		return
	}

	attempt, err := h.redemptions.RedeemInvitation(r.Context(), userID, req.Code, req.PurchasableID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAttempt(attempt))
}

type redeemGiftRequest struct {
	Code       string `json:"code"`
	ChosenItem string `json:"chosen_item"`
}

// RedeemGift обрабатывает POST /redemptions/gift.
func (h *Handler) RedeemGift(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req redeemGiftRequest
	if !h.decode(w, r, &req) {
		return
	}

	attempt, err := h.redemptions.RedeemGift(r.Context(), userID, req.Code, req.ChosenItem)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAttempt(attempt))
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: errUserRequired.Error()})
		return "", false
	}
	return userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

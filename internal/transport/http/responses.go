package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vladislavdragonenkov/purchasing/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

type attemptResponse struct {
	ID          string            `json:"id"`
	Code        string            `json:"code"`
	UserID      string            `json:"user_id"`
	Kind        string            `json:"kind"`
	State       string            `json:"state"`
	Processor   string            `json:"processor"`
	Items       []itemResponse    `json:"items"`
	AmountMinor int64             `json:"amount_minor,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	ChargeID    string            `json:"charge_id,omitempty"`
	FailureText string            `json:"failure_text,omitempty"`
	Description string            `json:"description,omitempty"`
	Context     map[string]string `json:"context,omitempty"`

	Gift       *giftResponse       `json:"gift,omitempty"`
	Invitation *invitationResponse `json:"invitation,omitempty"`

	LinkedFromID string    `json:"linked_from_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type itemResponse struct {
	PurchasableID string `json:"purchasable_id"`
	Qty           int32  `json:"qty"`
}

type giftResponse struct {
	Receiver     string     `json:"receiver"`
	ReceiverName string     `json:"receiver_name,omitempty"`
	Message      string     `json:"message,omitempty"`
	DeliveryDate *time.Time `json:"delivery_date,omitempty"`
	Redeemed     bool       `json:"redeemed"`
}

type invitationResponse struct {
	Capacity  int32     `json:"capacity"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Consumers []string  `json:"consumers,omitempty"`
}

func renderAttempt(attempt domain.PurchaseAttempt) attemptResponse {
	resp := attemptResponse{
		ID:           attempt.ID,
		Code:         attempt.Code,
		UserID:       attempt.UserID,
		Kind:         string(attempt.Kind),
		State:        string(attempt.State),
		Processor:    attempt.Processor,
		ChargeID:     attempt.ChargeID,
		FailureText:  attempt.FailureText,
		Description:  attempt.Description,
		Context:      attempt.Context,
		LinkedFromID: attempt.LinkedFromID,
		StartedAt:    attempt.StartedAt,
		UpdatedAt:    attempt.UpdatedAt,
	}

	resp.Items = make([]itemResponse, 0, len(attempt.Order.Items))
	for _, item := range attempt.Order.Items {
		resp.Items = append(resp.Items, itemResponse{PurchasableID: item.PurchasableID, Qty: item.Qty})
	}

	if attempt.Pricing != nil {
		resp.AmountMinor = attempt.Pricing.TotalPurchasePriceMinor
		resp.Currency = attempt.Pricing.Currency
	}
	if attempt.Gift != nil {
		resp.Gift = &giftResponse{
			Receiver:     attempt.Gift.Receiver,
			ReceiverName: attempt.Gift.ReceiverName,
			Message:      attempt.Gift.Message,
			DeliveryDate: attempt.Gift.DeliveryDate,
			Redeemed:     attempt.Gift.Redeemed,
		}
	}
	if attempt.Invitation != nil {
		resp.Invitation = &invitationResponse{
			Capacity:  attempt.Invitation.Capacity,
			ExpiresAt: attempt.Invitation.ExpiresAt,
			Consumers: attempt.Invitation.Consumers,
		}
	}

	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), errorResponse{Error: err.Error()})
}

// statusForError переводит доменные ошибки в HTTP-статусы.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrAttemptNotFound),
		errors.Is(err, domain.ErrChargeNotFound),
		errors.Is(err, domain.ErrIdempotencyKeyNotFound):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrInvitationExpired):
		return http.StatusGone

	case errors.Is(err, domain.ErrGiftAlreadyRedeemed),
		errors.Is(err, domain.ErrInvitationCapacityExceeded),
		errors.Is(err, domain.ErrInvitationAlreadyAccepted),
		errors.Is(err, domain.ErrPurchaseNotRemovable),
		errors.Is(err, domain.ErrRefundNotAllowed),
		errors.Is(err, domain.ErrAttemptVersionConflict),
		errors.Is(err, domain.ErrIdempotencyHashMismatch),
		errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict

	case errors.Is(err, domain.ErrAmountMismatch),
		errors.Is(err, domain.ErrMixedProviders),
		errors.Is(err, domain.ErrWrongPurchasable),
		errors.Is(err, domain.ErrInvalidRedeemableItem),
		errors.Is(err, domain.ErrCannotPurchaseBundle):
		return http.StatusUnprocessableEntity

	case errors.Is(err, domain.ErrItemsRequired),
		errors.Is(err, domain.ErrInvalidPurchasable),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidToken),
		errors.Is(err, domain.ErrProcessorRequired),
		errors.Is(err, domain.ErrGiftDetailsRequired),
		errors.Is(err, domain.ErrInvitationDetailsRequired),
		errors.Is(err, domain.ErrInvitationCapacityInvalid),
		errors.Is(err, domain.ErrNoSuchCoupon),
		errors.Is(err, domain.ErrInvalidCoupon),
		errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

package http

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
)

// Routes собирает маршруты API поверх стандартных middleware.
func (h *Handler) Routes() http.Handler {
	standard := alice.New(h.recoverPanic, h.logRequest, secureHeaders)
	idempotent := standard.Append(h.withIdempotency)

	mux := pat.New()

	mux.Post("/purchases", idempotent.ThenFunc(h.SubmitPurchase))
	mux.Post("/purchases/price", standard.ThenFunc(h.PricePurchase))
	mux.Get("/purchases/:id/invoice", standard.ThenFunc(h.GetInvoice))
	mux.Post("/purchases/:id/refund", standard.ThenFunc(h.RefundPurchase))
	mux.Get("/purchases/:id", standard.ThenFunc(h.GetPurchase))
	mux.Del("/purchases/:id", standard.ThenFunc(h.DeletePurchase))
	mux.Get("/purchases", standard.ThenFunc(h.ListPurchases))

	mux.Post("/redemptions/invitation", idempotent.ThenFunc(h.RedeemInvitation))
	mux.Post("/redemptions/gift", idempotent.ThenFunc(h.RedeemGift))

	return mux
}

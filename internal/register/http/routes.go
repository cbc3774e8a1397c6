package registerhttp

import "github.com/go-chi/chi/v5"

// MountRoutes registers the register API on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stores/{storeID}/days", func(r chi.Router) {
		r.Post("/", h.openDay)
		r.Get("/", h.listDays)
		r.Get("/current", h.currentDay)
	})
	r.Route("/days/{dayID}", func(r chi.Router) {
		r.Get("/", h.getDay)
		r.Post("/close", h.closeDay)
		r.Get("/summary", h.daySummary)
		r.Post("/cashiers", h.openCashier)
	})
	r.Route("/cashiers/{cashierID}", func(r chi.Router) {
		r.Get("/", h.getCashier)
		r.Get("/entries", h.listEntries)
		r.Post("/operations", h.applyOperation)
		r.Get("/reconciliation", h.reconciliation)
		r.Post("/close", h.closeCashier)
	})
}

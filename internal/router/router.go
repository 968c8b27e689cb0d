package router

import (
	"net/http"

	"github.com/coinbridge/backend/internal/auth"
	"github.com/coinbridge/backend/internal/handlers"
)

// Middleware wraps a handler, e.g. signature or JWT auth.
type Middleware func(http.Handler) http.Handler

// New returns an http.Handler serving the API under /api/v1. Platform
// routes sit behind signature auth; admin routes behind operator JWT auth.
func New(econ *handlers.EconomyHandler, admin *handlers.AdminHandler, authHandler *auth.Handler, platformAuth, operatorAuth Middleware) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	platform := func(h http.HandlerFunc) http.Handler { return platformAuth(h) }
	operator := func(h http.HandlerFunc) http.Handler { return operatorAuth(h) }

	mux.Handle(base+"/sync", platform(methodPOST(econ.SubmitSync)))
	mux.Handle(base+"/sync/batch", platform(methodPOST(econ.EnqueueSync)))
	mux.Handle(base+"/reward", platform(methodPOST(econ.Reward)))
	mux.Handle(base+"/transfer", platform(methodPOST(econ.Transfer)))
	mux.Handle(base+"/credit", platform(methodPOST(econ.Credit)))
	mux.Handle(base+"/debit", platform(methodPOST(econ.Debit)))
	mux.Handle(base+"/balance", platform(methodGET(econ.Balance)))
	mux.Handle(base+"/history", platform(methodGET(econ.History)))
	mux.Handle(base+"/player", platform(methodPOST(econ.CreatePlayer)))
	mux.Handle(base+"/player/", platform(methodGET(econ.Player)))
	mux.Handle(base+"/params", platform(methodGET(econ.GetParams)))
	mux.Handle(base+"/rates", platform(methodGET(econ.GetRates)))

	mux.HandleFunc(base+"/admin/login", authHandler.Login)
	mux.HandleFunc(base+"/admin/register", authHandler.Register)
	mux.Handle(base+"/admin/adjust", operator(methodPOST(admin.Adjust)))
	mux.Handle(base+"/admin/review-queue", operator(methodGET(admin.ReviewQueue)))
	mux.Handle(base+"/admin/economy", operator(methodGET(admin.Economy)))

	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

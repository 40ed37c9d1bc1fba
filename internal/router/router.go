package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskhive/backend/internal/auth"
	"github.com/taskhive/backend/internal/handlers"
	"github.com/taskhive/backend/internal/middleware"
)

// Deps carries everything the router wires together.
type Deps struct {
	Auth      *auth.Handler
	Tasks     *handlers.TaskHandler
	Wallet    *handlers.WalletHandler
	Validator middleware.TokenValidator
	TaskTypes middleware.TaskTypeChecker
}

// New returns an http.Handler serving the API under /api/v1 plus the
// Prometheus scrape endpoint.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	authed := middleware.RequireAuth(d.Validator)
	publisherOnly := middleware.RequireRole(auth.RolePublisher, auth.RoleAdmin)
	adminOnly := middleware.RequireRole(auth.RoleAdmin)
	costCheck := middleware.CostCheck(d.TaskTypes)

	mux.HandleFunc("POST "+base+"/auth/register", d.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", d.Auth.Login)

	mux.Handle("POST "+base+"/tasks",
		authed(publisherOnly(costCheck(http.HandlerFunc(d.Tasks.CreateTask)))))
	mux.Handle("GET "+base+"/tasks/{orderNo}",
		authed(http.HandlerFunc(d.Tasks.GetTask)))

	mux.Handle("POST "+base+"/sub-orders/{orderNo}/claim",
		authed(http.HandlerFunc(d.Tasks.ClaimSubOrder)))
	mux.Handle("POST "+base+"/sub-orders/{orderNo}/submit",
		authed(http.HandlerFunc(d.Tasks.SubmitSubOrder)))
	mux.Handle("POST "+base+"/sub-orders/{orderNo}/review",
		authed(http.HandlerFunc(d.Tasks.ReviewSubOrder)))

	mux.Handle("GET "+base+"/wallet",
		authed(http.HandlerFunc(d.Wallet.GetWallet)))
	mux.Handle("GET "+base+"/wallet/transactions",
		authed(http.HandlerFunc(d.Wallet.ListTransactions)))
	mux.Handle("POST "+base+"/wallet/recharge",
		authed(http.HandlerFunc(d.Wallet.Recharge)))
	mux.Handle("POST "+base+"/withdrawals",
		authed(http.HandlerFunc(d.Wallet.RequestWithdrawal)))
	mux.Handle("GET "+base+"/withdrawals",
		authed(adminOnly(http.HandlerFunc(d.Wallet.ListWithdrawals))))
	mux.Handle("POST "+base+"/withdrawals/{id}/review",
		authed(adminOnly(http.HandlerFunc(d.Wallet.ReviewWithdrawal))))
	mux.Handle("POST "+base+"/wallets/{userID}/status",
		authed(adminOnly(http.HandlerFunc(d.Wallet.SetWalletStatus))))

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"tradeengine/internal/app"
	"tradeengine/internal/repository"
	"tradeengine/model"
)

// startServer binds the read-only HTTP surface and runs the engine's fast
// tick plus the reconciliation worker's slow tick on the same lifetime,
// shutting both down together on SIGINT/SIGTERM.
func startServer(port string, a *app.App) {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthz write failed")
		}
	})
	r.Get("/orders", listOrdersHandler(a))

	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.Engine.Start(ctx, a.Scheduler, a.Reconciler.Run)
	if err := a.StartOrderEventStreams(ctx); err != nil {
		logger.WithError(err).Error("failed to start order event streams")
	}

	go func() {
		logger.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server crashed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}

// listOrdersHandler exposes a read-only view of orders for manual
// smoke-testing; it is not a general-purpose trading API.
func listOrdersHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := repository.Filter{
			Status: model.OrderStatus(r.URL.Query().Get("status")),
		}
		if v := r.URL.Query().Get("user_id"); v != "" {
			id, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid user_id", http.StatusBadRequest)
				return
			}
			filter.UserID = id
		}
		if v := r.URL.Query().Get("exchange_id"); v != "" {
			id, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid exchange_id", http.StatusBadRequest)
				return
			}
			filter.ExchangeID = id
		}

		orders, err := a.Engine.GetOrders(r.Context(), filter)
		if err != nil {
			logger.WithError(err).Error("/orders query failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(orders); err != nil {
			logger.WithError(err).Error("/orders encode failed")
		}
	}
}

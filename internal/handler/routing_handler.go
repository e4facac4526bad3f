package handler

import (
	"encoding/json"
	"net/http"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/routing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func routingDecisionHandler(engine *routing.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/routing/decision")
		defer span.End()

		var rc domain.RoutingContext
		if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		span.SetAttributes(attribute.String("routing.channel", string(rc.Channel)))

		decision, err := engine.SelectProvider(ctx, &rc)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

func updateLoadHandler(engine *routing.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := chi.URLParam(r, "providerId")

		var req struct {
			CurrentLoad int `json:"currentLoad"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.CurrentLoad < 0 {
			writeError(w, http.StatusBadRequest, "currentLoad must be non-negative")
			return
		}

		if err := engine.UpdateProviderLoad(providerID, req.CurrentLoad); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func getLoadHandler(engine *routing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := chi.URLParam(r, "providerId")
		writeJSON(w, http.StatusOK, engine.GetProviderLoad(providerID))
	}
}

func clearCacheHandler(engine *routing.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine.ClearCache()
		w.WriteHeader(http.StatusNoContent)
	}
}

package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/health"
	"github.com/relaymesh/delivery-core/internal/registry"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func listProvidersHandler(reg *registry.Registry, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers := reg.All()
		if channel := r.URL.Query().Get("channel"); channel != "" {
			ct := domain.ChannelType(channel)
			if !ct.Valid() {
				writeError(w, http.StatusBadRequest, "unknown channel type")
				return
			}
			providers = reg.ByChannel(ct)
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
	}
}

func allHealthHandler(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"providers": monitor.Snapshots()})
	}
}

func providerHealthHandler(monitor *health.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := chi.URLParam(r, "providerId")
		snap, ok := monitor.Snapshot(providerID)
		if !ok {
			handleServiceError(w, &domain.ErrNotFound{Resource: "provider", ID: providerID}, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// recordAttemptHandler feeds a real delivery outcome into the health
// accounting. Callers report elapsed time in milliseconds.
func recordAttemptHandler(monitor *health.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/providers/{providerId}/attempts")
		defer span.End()

		providerID := chi.URLParam(r, "providerId")
		span.SetAttributes(attribute.String("provider.id", providerID))

		var req struct {
			Success        bool   `json:"success"`
			ResponseTimeMs int64  `json:"responseTimeMs"`
			Error          string `json:"error,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var attemptErr error
		if req.Error != "" {
			attemptErr = &domain.ErrTransient{ProviderID: providerID, Kind: "reported", Err: errString(req.Error)}
		}
		err := monitor.RecordAttempt(ctx, providerID, req.Success,
			time.Duration(req.ResponseTimeMs)*time.Millisecond, attemptErr)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// performCheckHandler triggers an immediate out-of-schedule probe.
func performCheckHandler(monitor *health.Monitor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/providers/{providerId}/check")
		defer span.End()

		providerID := chi.URLParam(r, "providerId")
		snap, err := monitor.PerformHealthCheck(ctx, providerID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// setProviderEnabledHandler toggles a catalog entry. Disabling a provider
// removes it from routing immediately; health probing continues so the
// provider comes back with a warm picture.
func setProviderEnabledHandler(reg *registry.Registry, logger *zap.Logger, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.SetEnabled(chi.URLParam(r, "providerId"), enabled); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

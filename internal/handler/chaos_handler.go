package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/relaymesh/delivery-core/internal/chaos"
	"github.com/relaymesh/delivery-core/internal/domain"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// experimentRequest is the API shape for experiment definitions: duration
// arrives in seconds.
type experimentRequest struct {
	Name        string                `json:"name"`
	Type        domain.ExperimentType `json:"type"`
	Target      domain.TargetPolicy   `json:"target"`
	TargetIDs   []string              `json:"targetIds,omitempty"`
	RandomCount int                   `json:"randomCount,omitempty"`
	Failure     *domain.FailureConfig `json:"failure,omitempty"`
	Latency     *domain.LatencyConfig `json:"latency,omitempty"`
	Load        *domain.LoadConfig    `json:"load,omitempty"`
	DurationSec int                   `json:"durationSec"`
	Enabled     bool                  `json:"enabled"`
}

func createExperimentHandler(engine *chaos.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/chaos/experiments")
		defer span.End()

		var req experimentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		span.SetAttributes(attribute.String("experiment.type", string(req.Type)))

		exp := &domain.ChaosExperiment{
			Name:        req.Name,
			Type:        req.Type,
			Target:      req.Target,
			TargetIDs:   req.TargetIDs,
			RandomCount: req.RandomCount,
			Failure:     req.Failure,
			Latency:     req.Latency,
			Load:        req.Load,
			Duration:    time.Duration(req.DurationSec) * time.Second,
			Enabled:     req.Enabled,
		}
		created, err := engine.CreateExperiment(ctx, exp)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func listExperimentsHandler(engine *chaos.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"experiments": engine.ListExperiments()})
	}
}

func getExperimentHandler(engine *chaos.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exp, err := engine.GetExperiment(chi.URLParam(r, "experimentId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, exp)
	}
}

func deleteExperimentHandler(engine *chaos.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.DeleteExperiment(chi.URLParam(r, "experimentId")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// runExperimentHandler starts the run in the background; runs take up to
// minutes, so the request returns 202 immediately.
func runExperimentHandler(engine *chaos.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "POST /v1/chaos/experiments/{experimentId}/run")
		defer span.End()

		experimentID := chi.URLParam(r, "experimentId")
		span.SetAttributes(attribute.String("experiment.id", experimentID))

		if err := engine.StartRun(experimentID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"experimentId": experimentID,
			"status":       "running",
		})
	}
}

func setExperimentEnabledHandler(engine *chaos.Engine, logger *zap.Logger, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.SetEnabled(chi.URLParam(r, "experimentId"), enabled); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func experimentResultsHandler(engine *chaos.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/chaos/experiments/{experimentId}/results")
		defer span.End()

		results, err := engine.GetResults(ctx, chi.URLParam(r, "experimentId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func resilienceScoreHandler(engine *chaos.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/chaos/resilience")
		defer span.End()

		score, err := engine.GetSystemResilienceScore(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]float64{"resilienceScore": score})
	}
}

// injectionStateHandler exposes what the delivery path would see for a
// provider right now: whether to fail, what kind, and added latency.
func injectionStateHandler(injector *chaos.Injector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		providerID := chi.URLParam(r, "providerId")

		resp := map[string]any{
			"providerId":        providerID,
			"injectFailure":     injector.ShouldInjectFailure(ctx, providerID),
			"injectedLatencyMs": injector.GetInjectedLatency(ctx, providerID).Milliseconds(),
		}
		if kind, ok := injector.GetInjectedFailureType(ctx, providerID); ok {
			resp["failureType"] = kind
		}
		if state, ok := injector.ActiveInjection(ctx, providerID); ok {
			resp["expiresAt"] = state.ExpiresAt
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

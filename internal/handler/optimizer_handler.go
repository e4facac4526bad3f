package handler

import (
	"encoding/json"
	"net/http"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/optimizer"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func optimizerDecisionHandler(opt *optimizer.Optimizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/optimizer/decision")
		defer span.End()

		var n domain.NotificationData
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if n.UserID == "" {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}
		if !n.Channel.Valid() {
			writeError(w, http.StatusBadRequest, "unknown channel type")
			return
		}
		span.SetAttributes(
			attribute.String("user.id", n.UserID),
			attribute.String("channel", string(n.Channel)),
		)

		writeJSON(w, http.StatusOK, opt.ShouldSendNow(ctx, &n))
	}
}

func recordSentHandler(opt *optimizer.Optimizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/optimizer/sent")
		defer span.End()

		var req struct {
			UserID  string             `json:"userId"`
			Channel domain.ChannelType `json:"channel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" || !req.Channel.Valid() {
			writeError(w, http.StatusBadRequest, "userId and a valid channel are required")
			return
		}

		if err := opt.RecordNotificationSent(ctx, req.UserID, req.Channel); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func recordEngagementHandler(opt *optimizer.Optimizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/optimizer/engagement")
		defer span.End()

		var req struct {
			UserID string `json:"userId"`
			domain.EngagementMetrics
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}

		if err := opt.RecordEngagement(ctx, req.UserID, &req.EngagementMetrics); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func getProfileHandler(opt *optimizer.Optimizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/optimizer/profiles/{userId}")
		defer span.End()

		profile, err := opt.GetProfile(ctx, chi.URLParam(r, "userId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

func saveProfileHandler(opt *optimizer.Optimizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/optimizer/profiles/{userId}")
		defer span.End()

		var profile domain.UserEngagementProfile
		if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		profile.UserID = chi.URLParam(r, "userId")

		if err := opt.SaveProfile(ctx, &profile); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"custody/apps/btcflow/internal/model"
	"custody/apps/btcflow/internal/repository"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Reader loads an entity by token. Missing entities are reported as
// repository.ErrEntityNotPresent.
type Reader[E model.Entity] interface {
	GetByToken(ctx context.Context, token uuid.UUID) (E, error)
}

// EntityHandler serves read-only lookups for one entity kind
type EntityHandler[E model.Entity] struct {
	kind   string
	reader Reader[E]
	logger *zap.Logger
}

func NewEntityHandler[E model.Entity](kind string, reader Reader[E], logger *zap.Logger) *EntityHandler[E] {
	return &EntityHandler[E]{kind: kind, reader: reader, logger: logger}
}

// GetEntity handles GET /api/{kind}s/{token}
func (h *EntityHandler[E]) GetEntity(w http.ResponseWriter, r *http.Request) {
	token, err := uuid.Parse(mux.Vars(r)["token"])
	if err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_token", "Token must be a UUID")
		return
	}

	entity, err := h.reader.GetByToken(r.Context(), token)
	if errors.Is(err, repository.ErrEntityNotPresent) {
		writeErrorResponse(w, h.logger, http.StatusNotFound, h.kind+"_not_found", "No "+h.kind+" with this token")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get entity", zap.String("kind", h.kind), zap.String("entity_token", token.String()), zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusInternalServerError, "database_error", "Failed to retrieve "+h.kind)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, entity)
}

// writeJSONResponse writes a JSON response
func writeJSONResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, errorCode, message string) {
	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	writeJSONResponse(w, logger, statusCode, errorResponse)
}

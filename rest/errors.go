package rest

import (
	"errors"
	"net/http"

	"github.com/wuayee/waterflow/engine"
	"github.com/wuayee/waterflow/metadata"
	"github.com/wuayee/waterflow/persistence"
	"github.com/wuayee/waterflow/stream"
	"github.com/wuayee/waterflow/util"
)

func statusOf(err error) int {
	var parseErr metadata.ParseError
	var stateErr engine.InvalidStateError
	switch {
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, metadata.ErrFlowNotFound):
		return http.StatusNotFound
	case errors.As(err, &parseErr):
		return http.StatusBadRequest
	case errors.As(err, &stateErr), errors.Is(err, engine.ErrContextBusy):
		return http.StatusConflict
	case errors.Is(err, stream.ErrDispatchQueueFull), errors.Is(err, util.ErrWorkerStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondWithFailure(w http.ResponseWriter, err error) {
	var parseErr metadata.ParseError
	if errors.As(err, &parseErr) {
		respondWithJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid flow graph", "details": parseErr.Errors})
		return
	}
	respondWithError(w, statusOf(err), err.Error())
}

package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/model"
	"go.uber.org/zap"
)

func (s *Server) HandleOffer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req model.FlowRunRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid offer request")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.executor.Offer(r.Context(), vars["id"], vars["version"], req.SessionId, req.Data...)
	if err != nil {
		logger.Error("error offering data", zap.String("flow", vars["id"]), zap.String("version", vars["version"]), zap.Error(err))
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]any{"contextIds": ids})
}

func (s *Server) HandleGetContext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	flowCtx, err := s.executor.GetContext(r.Context(), id)
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, flowCtx)
}

func (s *Server) HandleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req model.TaskCompleteRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid task output")
		return
	}
	if err := s.executor.CompleteManualTask(r.Context(), id, req.Data); err != nil {
		logger.Error("error completing manual task", zap.String("context", id), zap.Error(err))
		respondWithFailure(w, err)
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := s.executor.Cancel(r.Context(), id, reason); err != nil {
		logger.Error("error cancelling context", zap.String("context", id), zap.Error(err))
		respondWithFailure(w, err)
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleGetRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	retry, err := s.executor.GetRetry(r.Context(), id)
	if err != nil {
		respondWithFailure(w, err)
		return
	}
	respondOK(w, map[string]any{
		"entityId":      retry.EntityId,
		"nodeId":        retry.NodeId,
		"retryCount":    retry.RetryCount,
		"nextRetryTime": retry.NextRetryTime,
		"lastError":     retry.LastError,
	})
}

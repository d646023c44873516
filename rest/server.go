package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/wuayee/waterflow/logger"
	"github.com/wuayee/waterflow/metadata"
	"github.com/wuayee/waterflow/model"
	"go.uber.org/zap"
)

// FlowExecutor is the part of the engine exposed over http.
type FlowExecutor interface {
	Offer(ctx context.Context, flowId string, version string, sessionId string, data ...model.BusinessData) ([]string, error)
	GetContext(ctx context.Context, contextId string) (*model.DataContext, error)
	GetRetry(ctx context.Context, contextId string) (*model.FlowRetry, error)
	CompleteManualTask(ctx context.Context, contextId string, output model.BusinessData) error
	Cancel(ctx context.Context, contextId string, reason string) error
}

type Server struct {
	http.Server
	Port            int
	metadataService metadata.MetadataService
	executor        FlowExecutor
	validate        *validator.Validate
}

func NewServer(httpPort int, metadataService metadata.MetadataService, executor FlowExecutor) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		metadataService: metadataService,
		executor:        executor,
		validate:        validator.New(),
		Port:            httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/flow", s.HandleCreateFlow).Methods(http.MethodPost)
	router.HandleFunc("/flow/{id}/{version}", s.HandleGetFlow).Methods(http.MethodGet)
	router.HandleFunc("/flow/{id}/{version}/offer", s.HandleOffer).Methods(http.MethodPost)

	router.HandleFunc("/context/{id}", s.HandleGetContext).Methods(http.MethodGet)
	router.HandleFunc("/context/{id}/complete", s.HandleCompleteTask).Methods(http.MethodPost)
	router.HandleFunc("/context/{id}", s.HandleCancel).Methods(http.MethodDelete)

	router.HandleFunc("/retry/{id}", s.HandleGetRetry).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("http request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message map[string]any) {
	respondWithJSON(w, http.StatusOK, message)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// Package httpapi exposes the envelope engine, notes, and note images over
// HTTP. Handlers only translate between requests and component calls; every
// business rule lives in the components.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"envtrack/internal/logging"
	"envtrack/internal/metrics"
	"envtrack/internal/notes"
	"envtrack/internal/signedurl"
	"envtrack/internal/transition"
)

// StatusFunc reports daemon state for GET /api/status.
type StatusFunc func(ctx context.Context) any

// Deps are the components served by the adapter.
type Deps struct {
	Engine  *transition.Engine
	Notes   *notes.Store
	Images  *notes.ImageStore
	Signer  *signedurl.Signer
	Metrics *metrics.Collector
	Status  StatusFunc
	Logger  *slog.Logger

	// APIToken enables bearer authentication on /api and /metrics when set.
	APIToken string
	// MaxUploadBytes bounds the multipart upload body.
	MaxUploadBytes int64
}

// Server routes requests to the components in Deps.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	handler http.Handler
}

// New builds the router.
func New(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: logging.NewComponentLogger(deps.Logger, "http"),
	}
	s.handler = s.recoverMiddleware(s.contextMiddleware(s.routes()))
	return s
}

// Handler returns the root handler. Unmatched requests still receive a
// request id and panic recovery.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.observeMiddleware)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeStatus(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeStatus(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	if s.deps.Signer != nil {
		r.HandleFunc(s.deps.Signer.BasePath()+"/{id:[0-9]+}", s.handleSignedImage).Methods(http.MethodGet, http.MethodHead)
	}
	r.Handle("/metrics", s.authMiddleware(s.metricsHandler())).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/envelopes", s.handleListEnvelopes).Methods(http.MethodGet)
	api.HandleFunc("/envelopes", s.handleCreateEnvelope).Methods(http.MethodPost)
	api.HandleFunc("/envelopes/{key}", s.handleGetEnvelope).Methods(http.MethodGet)
	api.HandleFunc("/envelopes/{key}", s.handleDeleteEnvelope).Methods(http.MethodDelete)
	api.HandleFunc("/envelopes/{key}/issue", s.handleIssue).Methods(http.MethodPost)
	api.HandleFunc("/envelopes/{key}/bind", s.handleBind).Methods(http.MethodPost)
	api.HandleFunc("/envelopes/{key}/release", s.handleRelease).Methods(http.MethodPost)
	api.HandleFunc("/envelopes/{key}/return", s.handleReturn).Methods(http.MethodPost)
	api.HandleFunc("/envelopes/{key}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/envelopes/{key}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/envelopes/{key}/conflicts", s.handleConflicts).Methods(http.MethodGet)
	api.HandleFunc("/machines/{machine}/envelope", s.handleMachineOccupant).Methods(http.MethodGet)
	api.HandleFunc("/return-cart", s.handleReturnCart).Methods(http.MethodGet)

	api.HandleFunc("/operator-notes", s.handleListOperatorNotes).Methods(http.MethodGet)
	api.HandleFunc("/operator-notes", s.handleCreateOperatorNote).Methods(http.MethodPost)
	api.HandleFunc("/operator-notes/{id:[0-9]+}", s.handleDeleteOperatorNote).Methods(http.MethodDelete)
	api.HandleFunc("/product-notes/{id:[0-9]+}/history", s.handleProductNoteHistory).Methods(http.MethodGet)
	api.HandleFunc("/product-notes/{product}/{machine}", s.handleGetProductNotes).Methods(http.MethodGet)
	api.HandleFunc("/product-notes/{product}/{machine}/{type}", s.handleSaveProductNote).Methods(http.MethodPut)
	api.HandleFunc("/product-notes/{product}/{machine}/{type}", s.handleDeleteProductNote).Methods(http.MethodDelete)

	api.HandleFunc("/notes/{scope}/{noteId:[0-9]+}/images", s.handleUploadImage).Methods(http.MethodPost)
	api.HandleFunc("/notes/{scope}/{noteId:[0-9]+}/images", s.handleListImages).Methods(http.MethodGet)
	api.HandleFunc("/images/{id:[0-9]+}", s.handleGetImage).Methods(http.MethodGet)
	api.HandleFunc("/images/{id:[0-9]+}", s.handleDeleteImage).Methods(http.MethodDelete)
	api.HandleFunc("/images/{id:[0-9]+}/annotations", s.handleUpdateAnnotations).Methods(http.MethodPut)
	return r
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Metrics == nil {
		return http.NotFoundHandler()
	}
	return s.deps.Metrics.Handler()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"running": true})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Status(r.Context()))
}

package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"envtrack/internal/envelope"
	"envtrack/internal/requestctx"
	"envtrack/internal/transition"
)

func actorOf(ctx context.Context) string {
	actor, _ := requestctx.ActorFromContext(ctx)
	return actor
}

type createEnvelopeRequest struct {
	Key        string `json:"key"`
	ProductRef string `json:"product_ref"`
	Section    string `json:"section"`
	IsComplete bool   `json:"is_complete"`
}

func (s *Server) handleCreateEnvelope(w http.ResponseWriter, r *http.Request) {
	var body createEnvelopeRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Engine.Create(r.Context(), transition.CreateRequest{
		Key:        body.Key,
		ProductRef: body.ProductRef,
		Section:    body.Section,
		IsComplete: body.IsComplete,
		Actor:      actorOf(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListEnvelopes(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var statuses []envelope.Status
	for _, value := range r.URL.Query()["status"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := envelope.ParseStatus(part)
			if !ok {
				s.writeError(w, r, invalid("unknown status %q", part))
				return
			}
			statuses = append(statuses, status)
		}
	}
	result, err := s.deps.Engine.List(r.Context(), transition.ListRequest{Page: page, Limit: limit, Statuses: statuses})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := s.deps.Engine.Get(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleDeleteEnvelope(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Engine.Delete(r.Context(), mux.Vars(r)["key"], actorOf(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type transitionRequest struct {
	CartID     string `json:"cart_id"`
	MachineID  string `json:"machine_id"`
	Section    string `json:"section"`
	IsComplete *bool  `json:"is_complete"`
}

// transitionHandler decodes the shared body and runs apply.
func (s *Server) transitionHandler(apply func(ctx context.Context, key string, body transitionRequest) (transition.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body transitionRequest
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		result, err := apply(r.Context(), mux.Vars(r)["key"], body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(func(ctx context.Context, key string, body transitionRequest) (transition.Result, error) {
		return s.deps.Engine.Issue(ctx, key, body.CartID, actorOf(ctx))
	})(w, r)
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(func(ctx context.Context, key string, body transitionRequest) (transition.Result, error) {
		return s.deps.Engine.Bind(ctx, key, body.MachineID, actorOf(ctx))
	})(w, r)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(func(ctx context.Context, key string, _ transitionRequest) (transition.Result, error) {
		return s.deps.Engine.Release(ctx, key, actorOf(ctx))
	})(w, r)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(func(ctx context.Context, key string, body transitionRequest) (transition.Result, error) {
		return s.deps.Engine.ReturnToWarehouse(ctx, key, body.Section, actorOf(ctx))
	})(w, r)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler(func(ctx context.Context, key string, body transitionRequest) (transition.Result, error) {
		complete := true
		if body.IsComplete != nil {
			complete = *body.IsComplete
		}
		return s.deps.Engine.SetComplete(ctx, key, complete, actorOf(ctx))
	})(w, r)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Engine.History(r.Context(), mux.Vars(r)["key"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conflicts, err := s.deps.Engine.Conflicts(r.Context(), mux.Vars(r)["key"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleMachineOccupant(w http.ResponseWriter, r *http.Request) {
	env, err := s.deps.Engine.MachineOccupant(r.Context(), mux.Vars(r)["machine"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"envelope": env})
}

func (s *Server) handleReturnCart(w http.ResponseWriter, r *http.Request) {
	envelopes, err := s.deps.Engine.ReturnCart(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"envelopes": envelopes})
}

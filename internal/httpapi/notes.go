package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"envtrack/internal/notes"
)

type createOperatorNoteRequest struct {
	EnvelopeKey string        `json:"envelope_key"`
	MachineID   string        `json:"machine_id"`
	Content     notes.Content `json:"content"`
}

func (s *Server) handleCreateOperatorNote(w http.ResponseWriter, r *http.Request) {
	var body createOperatorNoteRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	note, err := s.deps.Notes.CreateOperatorNote(r.Context(), notes.CreateOperatorNoteRequest{
		EnvelopeKey: body.EnvelopeKey,
		MachineID:   body.MachineID,
		Content:     body.Content,
		Actor:       actorOf(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleListOperatorNotes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	page, err := s.deps.Notes.ListOperatorNotes(r.Context(), query.Get("envelope_key"), query.Get("machine_id"), limit, query.Get("cursor"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDeleteOperatorNote(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"], "note id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Notes.DeleteOperatorNote(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSaveProductNote(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	noteType, err := notes.ParseNoteType(vars["type"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var content notes.SetupContent
	if err := decodeJSON(r, &content); err != nil {
		s.writeError(w, r, err)
		return
	}
	note, err := s.deps.Notes.SaveProductMachineNote(r.Context(), notes.SaveProductNoteRequest{
		ProductCode: vars["product"],
		MachineID:   vars["machine"],
		Type:        noteType,
		Content:     content,
		Actor:       actorOf(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleGetProductNotes(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	found, err := s.deps.Notes.GetProductMachineNotes(r.Context(), vars["product"], vars["machine"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleDeleteProductNote(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	noteType, err := notes.ParseNoteType(vars["type"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Notes.DeleteProductMachineNote(r.Context(), vars["product"], vars["machine"], noteType, actorOf(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProductNoteHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"], "note id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.deps.Notes.NoteHistory(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

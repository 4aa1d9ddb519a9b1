package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"envtrack/internal/faults"
	"envtrack/internal/notes"
	"envtrack/internal/signedurl"
)

const (
	// multipartOverhead leaves room for the form fields around the file part.
	multipartOverhead = 256 << 10
	multipartMemory   = 8 << 20
)

// imageView is an image as returned to clients, with a fresh signed URL.
type imageView struct {
	notes.Image
	signedurl.SignedURL
}

func (s *Server) view(img notes.Image) imageView {
	v := imageView{Image: img}
	if s.deps.Signer != nil {
		v.SignedURL = s.deps.Signer.IssueURL(img.ID, 0)
	}
	return v
}

func noteTarget(r *http.Request) (notes.Scope, int64, error) {
	vars := mux.Vars(r)
	scope, err := notes.ParseScope(vars["scope"])
	if err != nil {
		return "", 0, err
	}
	noteID, err := parseID(vars["noteId"], "note id")
	if err != nil {
		return "", 0, err
	}
	return scope, noteID, nil
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	scope, noteID, err := noteTarget(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := s.deps.MaxUploadBytes
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.writeError(w, r, faults.Newf(faults.CodePayloadTooLarge, "image exceeds %d bytes", limit).
				WithDetails(map[string]any{"max_bytes": limit}))
			return
		}
		s.writeError(w, r, invalid("invalid multipart body: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, invalid("file part is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, faults.Internal("read upload", err))
		return
	}

	annotations := notes.EmptyAnnotations()
	if raw := strings.TrimSpace(r.FormValue("annotations")); raw != "" {
		annotations, err = notes.ParseAnnotations([]byte(raw))
		if err != nil {
			s.writeError(w, r, invalid("invalid annotations: %v", err))
			return
		}
	}
	orderIndex := 0
	if raw := strings.TrimSpace(r.FormValue("order_index")); raw != "" {
		orderIndex, err = strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, invalid("invalid order_index %q", raw))
			return
		}
	}

	ctx := r.Context()
	img, err := s.deps.Images.Upload(ctx, notes.UploadRequest{
		Scope:       scope,
		NoteID:      noteID,
		Actor:       actorOf(ctx),
		ClientIP:    clientIP(r),
		Filename:    header.Filename,
		Data:        data,
		Annotations: annotations,
		OrderIndex:  orderIndex,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.view(img))
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	scope, noteID, err := noteTarget(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	images, err := s.deps.Images.ListImages(r.Context(), scope, noteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]imageView, 0, len(images))
	for _, img := range images {
		views = append(views, s.view(img))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"images": views})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"], "image id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	img, err := s.deps.Images.GetImage(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(img))
}

type updateAnnotationsRequest struct {
	ExpectedRevision *int64            `json:"expected_revision"`
	Annotations      notes.Annotations `json:"annotations"`
}

func (s *Server) handleUpdateAnnotations(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"], "image id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body updateAnnotationsRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.ExpectedRevision == nil {
		s.writeError(w, r, invalid("expected_revision is required"))
		return
	}
	img, err := s.deps.Images.UpdateAnnotations(r.Context(), notes.UpdateAnnotationsRequest{
		ImageID:          id,
		Actor:            actorOf(r.Context()),
		Annotations:      body.Annotations,
		ExpectedRevision: *body.ExpectedRevision,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(img))
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"], "image id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Images.SoftDelete(r.Context(), id, actorOf(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSignedImage serves image bytes to holders of a valid signed URL.
// Conditional requests matching the stored hash answer 304.
func (s *Server) handleSignedImage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"], "image id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Signer.VerifyQuery(id, r.URL.Query()); err != nil {
		s.writeStatus(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		return
	}
	img, file, info, err := s.deps.Images.Open(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.Close()

	h := w.Header()
	h.Set("ETag", img.ETag())
	h.Set("Cache-Control", "private")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'")
	h.Set("Content-Type", img.MIMEType)
	http.ServeContent(w, r, "", info.ModTime(), file)
}

package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gluk-w/swaplive/internal/logging"
	"github.com/gluk-w/swaplive/internal/session"
	"github.com/gluk-w/swaplive/internal/transform"
)

// multipartOverhead is allowed on top of the image limit for form framing.
const multipartOverhead = 1 << 20

type sourceResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// sessionIDFrom looks for the caller's session id in the header, the query,
// then the form.
func sessionIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("session_id"); id != "" {
		return id
	}
	return r.FormValue("session_id")
}

// uploadFailure maps a Describe error onto the machine code and message
// returned to the client. ok is false for errors that are not about the
// uploaded content.
func uploadFailure(err error) (code, message string, ok bool) {
	switch {
	case errors.Is(err, transform.ErrTooLarge):
		return "too_large", "File too large", true
	case errors.Is(err, transform.ErrUnsupportedExtension):
		return "unsupported_extension", "Unsupported file type", true
	case errors.Is(err, transform.ErrInvalidFormat):
		return "invalid_format", "File is not a valid image", true
	case errors.Is(err, transform.ErrNoSubjectFound):
		return "no_subject_found", "No face detected in source image", true
	default:
		return "", "", false
	}
}

func (a *API) activeSession(r *http.Request, id string) bool {
	st, err := a.sessions.Status(r.Context())
	return err == nil && st.ActiveID != "" && st.ActiveID == id
}

// UploadSource loads a reference image for the calling session.
func (a *API) UploadSource(w http.ResponseWriter, r *http.Request) {
	log := logging.For("upload")
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(a.cfg.MaxUploadBytes + multipartOverhead); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusOK, sourceResponse{Message: "File too large", Error: "too_large"})
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	id := sessionIDFrom(r)
	if !a.activeSession(r, id) {
		writeError(w, http.StatusConflict, "No active session for this client")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing image file")
		return
	}
	defer file.Close()

	// One byte past the limit is enough for Describe to report it.
	data, err := io.ReadAll(io.LimitReader(file, a.cfg.MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}

	desc, err := a.describer.Describe(r.Context(), header.Filename, data)
	if err != nil {
		if code, msg, ok := uploadFailure(err); ok {
			log.WithField("file", logging.Sanitize(header.Filename)).WithField("error", code).Info("Source upload rejected")
			writeJSON(w, http.StatusOK, sourceResponse{Message: msg, Error: code})
			return
		}
		log.WithError(err).Error("Failed to describe source image")
		writeJSON(w, http.StatusOK, sourceResponse{Message: "Failed to process source image", Error: "engine_error"})
		return
	}

	if err := a.sessions.SetReference(r.Context(), id, desc); err != nil {
		if errors.Is(err, session.ErrInvalidSession) {
			writeError(w, http.StatusConflict, "No active session for this client")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "Session manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sourceResponse{Success: true, Message: "Source face loaded"})
}

// ClearSource drops the reference of the calling session, or of the active
// session when the caller sends no id.
func (a *API) ClearSource(w http.ResponseWriter, r *http.Request) {
	id := sessionIDFrom(r)
	if id == "" {
		if st, err := a.sessions.Status(r.Context()); err == nil {
			id = st.ActiveID
		}
	}
	if id == "" {
		writeError(w, http.StatusConflict, "No active session")
		return
	}

	if err := a.sessions.ClearReference(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrInvalidSession) {
			writeError(w, http.StatusConflict, "No active session for this client")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "Session manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sourceResponse{Success: true, Message: "Source face cleared"})
}

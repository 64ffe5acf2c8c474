package tracking

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Handler serves the public tracking endpoints.
type Handler struct {
	svc         *Service
	fallbackURL string
}

// NewHandler creates a handler. Unresolved click tokens redirect to
// fallbackURL, or get a 404 when it is empty.
func NewHandler(svc *Service, fallbackURL string) *Handler {
	return &Handler{svc: svc, fallbackURL: fallbackURL}
}

// Routes mounts the pixel and redirect endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/o/{token}", h.HandleOpen)
	r.Get("/c/{token}", h.HandleClick)
	return r
}

// HandleOpen always answers with the pixel, whatever the token.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSuffix(chi.URLParam(r, "token"), ".gif")
	body := h.svc.TrackOpen(r.Context(), token, r.UserAgent(), realIP(r))
	servePixel(w, body)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	target, ok := h.svc.TrackClick(r.Context(), chi.URLParam(r, "token"), r.UserAgent(), realIP(r))
	if !ok {
		if h.fallbackURL == "" {
			http.NotFound(w, r)
			return
		}
		target = h.fallbackURL
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	http.Redirect(w, r, target, http.StatusFound)
}

func servePixel(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(body)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

package api

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"savesync/internal/logging"
	"savesync/internal/saves"
	"savesync/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"bytes": func(n int64) string { return humanize.IBytes(uint64(max(n, 0))) },
	"since": func(t time.Time) string { return humanize.Time(t) },
}).ParseFS(templateFS, "templates/*.html"))

const recentUploads = 10

type loginPage struct {
	Title string
	Error string
}

type dashboardPage struct {
	Title      string
	UserID     string
	SavesCount int
	LastUpload time.Time
	Saves      []saves.SaveSummary
	Recent     []*store.AuditEntry
}

func render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		logging.HTTP.Error().Err(err).Str("template", name).Msg("failed to render page")
	}
}

// sessionUser returns the user of a valid session whose key still exists.
func (h *Handler) sessionUser(r *http.Request) (string, bool) {
	if h.sessions == nil {
		return "", false
	}
	userID, err := h.sessions.UserID(r)
	if err != nil {
		return "", false
	}
	if _, ok := h.keys.Authenticate(userID); !ok {
		return "", false
	}
	return userID, true
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.sessionUser(r); ok {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	render(w, http.StatusOK, "login", loginPage{Title: "Sign in"})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		http.Error(w, "sessions disabled", http.StatusNotFound)
		return
	}

	userID, ok := h.keys.Resolve(r.PostFormValue("api_key"))
	if !ok {
		logging.HTTP.Warn().Str("ip", extractIP(r)).Msg("failed login")
		render(w, http.StatusUnauthorized, "login", loginPage{Title: "Sign in", Error: "Invalid API key"})
		return
	}

	if err := h.sessions.Issue(w, userID); err != nil {
		logging.HTTP.Error().Err(err).Msg("failed to issue session")
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.sessionUser(r)
	if !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	list, err := h.saves.List(r.Context(), userID)
	if err != nil {
		logging.HTTP.Error().Err(err).Str("user", userID).Msg("failed to list saves")
		http.Error(w, "failed to load saves", http.StatusInternalServerError)
		return
	}

	page := dashboardPage{Title: "Dashboard", UserID: userID, Saves: list}
	for _, s := range list {
		page.SavesCount += s.Versions
		if s.StoredAt.After(page.LastUpload) {
			page.LastUpload = s.StoredAt
		}
	}
	if recent, err := h.saves.RecentUploads(r.Context(), userID, recentUploads); err == nil {
		page.Recent = recent
	} else {
		logging.HTTP.Warn().Err(err).Str("user", userID).Msg("failed to load recent uploads")
	}

	render(w, http.StatusOK, "dashboard", page)
}

// handleWebDownload serves a save to a logged-in browser. Without a save
// parameter it serves the only slot, or sends the user to the dashboard to
// pick one.
func (h *Handler) handleWebDownload(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.sessionUser(r)
	if !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	save := r.URL.Query().Get("save")
	if save == "" {
		list, err := h.saves.List(r.Context(), userID)
		if err != nil {
			http.Error(w, "failed to load saves", http.StatusInternalServerError)
			return
		}
		switch len(list) {
		case 0:
			http.Error(w, "No save files found", http.StatusNotFound)
			return
		case 1:
			save = list[0].SaveName
		default:
			http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
			return
		}
	}
	h.serveSave(w, r, userID, save)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if h.sessions != nil {
		h.sessions.Clear(w)
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

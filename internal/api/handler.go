package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"savesync/internal/logging"
	"savesync/internal/metrics"
	"savesync/internal/saves"
)

// Request headers understood by the API.
const (
	HeaderAPIKey   = "X-API-Key"
	HeaderUserName = "X-User-Name"
	// HeaderSaveFileName selects the save for /api/download-latest.
	HeaderSaveFileName = "Save_file_name"
)

// Response headers describing a downloaded save.
const (
	HeaderSaveID        = "X-Save-Id"
	HeaderSaveTimestamp = "X-Save-Timestamp"
	HeaderSaveChecksum  = "X-Save-Sha256"
)

// multipartOverhead is the slack allowed on top of the file size for the
// multipart envelope and form fields.
const multipartOverhead = 1 << 20

// Keys is the part of the key store the HTTP layer needs.
type Keys interface {
	Resolve(apiKey string) (string, bool)
	Authenticate(userID string) (string, bool)
}

// Options configures a Handler.
type Options struct {
	Version     string
	Sessions    *SessionManager
	RateLimiter *RateLimiter // nil disables rate limiting
	Uploads     *UploadLimiter
	CORSOrigins []string
}

// Handler handles HTTP requests.
type Handler struct {
	saves    *saves.Service
	keys     Keys
	sessions *SessionManager
	uploads  *UploadLimiter
	version  string
	started  time.Time
	router   chi.Router
}

// NewHandler creates a new HTTP handler with all routes registered.
func NewHandler(svc *saves.Service, keys Keys, opts Options) *Handler {
	h := &Handler{
		saves:    svc,
		keys:     keys,
		sessions: opts.Sessions,
		uploads:  opts.Uploads,
		version:  opts.Version,
		started:  time.Now(),
		router:   chi.NewRouter(),
	}
	h.registerRoutes(opts)
	return h
}

func (h *Handler) registerRoutes(opts Options) {
	r := h.router
	r.Use(RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(Logger)
	r.Use(CORS(CORSConfig{AllowedOrigins: opts.CORSOrigins}))
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Limit(h.auditRateLimited))
	}

	r.Get("/api", h.handleDocs)
	r.Get("/api/status", h.handleStatus)
	r.Post("/api/upload", h.handleUpload)
	r.Get("/api/download", h.handleDownload)
	r.Get("/api/download-latest", h.handleDownloadLatest)
	r.Get("/api/saves", h.handleListSaves)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/", h.handleIndex)
	r.Get("/login", h.handleIndex)
	r.Post("/login", h.handleLogin)
	r.Get("/dashboard", h.handleDashboard)
	r.Get("/download", h.handleWebDownload)
	r.Get("/logout", h.handleLogout)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, saves.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, saves.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, saves.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, saves.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, saves.ErrBusy), errors.Is(err, saves.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal detail of storage failures from clients.
func publicMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "storage failure"
	}
	return err.Error()
}

// UploadResponse is returned for an accepted upload.
type UploadResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	Size      int64     `json:"size"`
	SaveName  string    `json:"save_name"`
}

// errBody fails every read with err.
type errBody struct{ err error }

func (b errBody) Read([]byte) (int, error) { return 0, b.err }

func uploadRequest(r *http.Request) saves.UploadRequest {
	return saves.UploadRequest{
		APIKey:     r.Header.Get(HeaderAPIKey),
		UserName:   r.Header.Get(HeaderUserName),
		RemoteAddr: extractIP(r),
	}
}

// auditRateLimited records an upload turned away by the rate limiter.
func (h *Handler) auditRateLimited(r *http.Request) {
	h.saves.Reject(r.Context(), uploadRequest(r), saves.ErrRateLimited)
	metrics.RecordUpload(saves.Reason(saves.ErrRateLimited), 0)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	req := uploadRequest(r)

	// Uploads past the per-user cap queue here before the body is read.
	if userID, ok := h.keys.Resolve(req.APIKey); ok {
		release, err := h.uploads.Acquire(r.Context(), userID)
		if err != nil {
			busy := fmt.Errorf("%w (max %d)", saves.ErrBusy, h.uploads.MaxInFlight())
			h.saves.Reject(r.Context(), req, busy)
			metrics.RecordUpload(saves.Reason(busy), 0)
			writeError(w, http.StatusTooManyRequests, busy.Error())
			return
		}
		defer release()
	}
	metrics.UploadsInFlight.Inc()
	defer metrics.UploadsInFlight.Dec()

	r.Body = http.MaxBytesReader(w, r.Body, h.saves.MaxUploadSize()+multipartOverhead)
	err := r.ParseMultipartForm(multipartOverhead)
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		req.Body = errBody{saves.ErrTooLarge}
	case err != nil:
		req.Body = errBody{fmt.Errorf("%w: malformed multipart body", saves.ErrInvalidInput)}
	default:
		defer r.MultipartForm.RemoveAll()
		req.SaveName = r.FormValue("save_name")
		if file, header, ferr := r.FormFile("savefile"); ferr == nil {
			defer file.Close()
			req.Body = file
			req.OriginalName = header.Filename
		}
	}

	receipt, err := h.saves.Receive(r.Context(), req)
	if err != nil {
		metrics.RecordUpload(saves.Reason(err), 0)
		if statusFor(err) == http.StatusInternalServerError {
			logging.HTTP.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("upload failed")
		}
		writeError(w, statusFor(err), publicMessage(err))
		return
	}
	metrics.RecordUpload("", receipt.Size)

	writeJSON(w, http.StatusOK, UploadResponse{
		Success:   true,
		Timestamp: receipt.Timestamp,
		ID:        receipt.ID,
		Size:      receipt.Size,
		SaveName:  receipt.SaveName,
	})
}

// StatusResponse is the server liveness payload. User fields are only set
// when a valid API key was supplied.
type StatusResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Time       time.Time `json:"time"`
	Uptime     string    `json:"uptime"`
	UserID     string    `json:"user_id,omitempty"`
	UserName   string    `json:"user_name,omitempty"`
	SavesCount *int      `json:"saves_count,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:  "online",
		Version: h.version,
		Time:    time.Now().UTC(),
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	}

	if userID, ok := h.keys.Resolve(r.Header.Get(HeaderAPIKey)); ok {
		resp.UserID = userID
		resp.UserName = r.Header.Get(HeaderUserName)
		if n, err := h.saves.Count(r.Context(), userID); err == nil {
			resp.SavesCount = &n
		} else {
			logging.HTTP.Warn().Err(err).Str("user", userID).Msg("failed to count saves")
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// authenticate resolves the request's API key or writes a 401.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.saves.Resolve(r.Header.Get(HeaderAPIKey))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return "", false
	}
	return userID, true
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	save := r.URL.Query().Get("save")
	if save == "" {
		save = saves.DefaultSaveName
	}
	h.serveSave(w, r, userID, save)
}

func (h *Handler) handleDownloadLatest(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	save := r.Header.Get(HeaderSaveFileName)
	if save == "" {
		save = saves.DefaultSaveName
	}
	h.serveSave(w, r, userID, save)
}

func (h *Handler) serveSave(w http.ResponseWriter, r *http.Request, userID, saveName string) {
	rc, meta, err := h.saves.Latest(r.Context(), userID, saveName)
	if err != nil {
		metrics.RecordDownload(saves.Reason(err))
		if statusFor(err) == http.StatusInternalServerError {
			logging.HTTP.Error().Err(err).Str("user", userID).Str("save", saveName).Msg("download failed")
		}
		writeError(w, statusFor(err), publicMessage(err))
		return
	}
	defer rc.Close()
	metrics.RecordDownload("")

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.SaveName}))
	w.Header().Set(HeaderSaveID, meta.ID)
	w.Header().Set(HeaderSaveTimestamp, meta.StoredAt.UTC().Format(time.RFC3339Nano))
	w.Header().Set(HeaderSaveChecksum, meta.Checksum)

	// ServeContent handles Range requests and HEAD when the blob can seek.
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", meta.StoredAt, rs)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		logging.HTTP.Warn().Err(err).Str("key", meta.Key).Msg("download interrupted")
	}
}

// SaveEntry describes one save slot in /api/saves.
type SaveEntry struct {
	SaveName string    `json:"save_name"`
	ID       string    `json:"id"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
	Versions int       `json:"versions"`
}

// SavesResponse is the /api/saves payload.
type SavesResponse struct {
	UserID string      `json:"user_id"`
	Saves  []SaveEntry `json:"saves"`
}

func (h *Handler) handleListSaves(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	list, err := h.saves.List(r.Context(), userID)
	if err != nil {
		logging.HTTP.Error().Err(err).Str("user", userID).Msg("failed to list saves")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	resp := SavesResponse{UserID: userID, Saves: make([]SaveEntry, 0, len(list))}
	for _, s := range list {
		resp.Saves = append(resp.Saves, SaveEntry{
			SaveName: s.SaveName,
			ID:       s.LatestID,
			Size:     s.Size,
			StoredAt: s.StoredAt,
			Versions: s.Versions,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type endpointDoc struct {
	Path        string   `json:"path"`
	Method      string   `json:"method"`
	Description string   `json:"description"`
	Headers     []string `json:"headers,omitempty"`
}

var apiDocs = struct {
	Endpoints []endpointDoc `json:"endpoints"`
}{
	Endpoints: []endpointDoc{
		{"/api/upload", "POST", "Upload a save file (multipart field 'savefile', optional 'save_name')", []string{HeaderAPIKey, HeaderUserName}},
		{"/api/status", "GET", "Check server status; adds user details when an API key is sent", nil},
		{"/api/download?save=<name>", "GET", "Download the latest upload of a save", []string{HeaderAPIKey}},
		{"/api/download-latest", "GET", "Download the latest upload of the save named by the save_file_name header", []string{HeaderAPIKey, HeaderSaveFileName}},
		{"/api/saves", "GET", "List save slots with their latest upload", []string{HeaderAPIKey}},
		{"/metrics", "GET", "Prometheus metrics", nil},
	},
}

func (h *Handler) handleDocs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiDocs)
}

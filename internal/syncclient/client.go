// Package syncclient talks to the savesync server: uploading saves,
// downloading the latest one and checking the server is reachable.
package syncclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"savesync/internal/logging"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultPingTimeout = 3 * time.Second

	// maxDownloadSize bounds how much of a response body is buffered.
	maxDownloadSize = 64 << 20
)

// Config configures a Client.
type Config struct {
	ServerURL   string
	APIKey      string
	UserName    string
	Timeout     time.Duration
	PingTimeout time.Duration
	// Retry tunes UploadWithRetry. Zero values use the defaults.
	Retry RetryConfig
	// HTTPClient overrides the transport; its Timeout is replaced by Timeout.
	HTTPClient *http.Client
}

// Client is an HTTP client for one user of a savesync server.
type Client struct {
	baseURL     string
	apiKey      string
	userName    string
	pingTimeout time.Duration
	retry       RetryConfig
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
}

// New creates a client. The server URL may be given with or without a
// trailing /api or /api/upload.
func New(cfg Config) (*Client, error) {
	base, err := normalizeServerURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}

	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}
	hc.Timeout = cfg.Timeout

	return &Client{
		baseURL:     base,
		apiKey:      cfg.APIKey,
		userName:    cfg.UserName,
		pingTimeout: cfg.PingTimeout,
		retry:       cfg.Retry.withDefaults(),
		http:        hc,
		breaker:     newBreaker(base),
	}, nil
}

func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: server url is not set", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: bad server url %q", ErrInvalidInput, raw)
	}
	p := strings.TrimRight(u.Path, "/")
	p = strings.TrimSuffix(p, "/api/upload")
	p = strings.TrimSuffix(p, "/api")
	u.Path = p
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Client.Warn().Str("server", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
		},
	})
}

// do sends req through the circuit breaker. Transport failures and 5xx
// responses come back as ErrNetwork or ErrStorage; other responses are
// returned for the caller to interpret.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-User-Name", c.userName)

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			defer resp.Body.Close()
			return nil, &statusError{Code: resp.StatusCode, Message: readError(resp.Body)}
		}
		return resp, nil
	})
	if err == nil {
		return resp, nil
	}

	var se *statusError
	switch {
	case errors.As(err, &se):
		return nil, fmt.Errorf("%w: %v", ErrStorage, se)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: server unavailable: %v", ErrNetwork, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
}

// readError extracts the message from a JSON error body, falling back to
// the first bytes of the raw body.
func readError(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// checkStatus maps 4xx responses onto the client's sentinel errors.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, readError(resp.Body))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, readError(resp.Body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrNetwork, &statusError{Code: resp.StatusCode, Message: readError(resp.Body)})
	default:
		return fmt.Errorf("%w: %s", ErrInvalidInput, &statusError{Code: resp.StatusCode, Message: readError(resp.Body)})
	}
}

// UploadResult describes the outcome of one upload.
type UploadResult struct {
	Stored    bool
	ID        string
	SaveName  string
	Size      int64
	Timestamp time.Time
	Reason    Reason
}

type uploadResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	Size      int64     `json:"size"`
	SaveName  string    `json:"save_name"`
}

// Upload sends data as saveName. A failed upload returns a result carrying
// the Reason together with the error.
func (c *Client) Upload(ctx context.Context, saveName string, data []byte) (UploadResult, error) {
	res, err := c.upload(ctx, saveName, data)
	if err != nil {
		return UploadResult{Reason: ReasonOf(err)}, err
	}
	return res, nil
}

func (c *Client) upload(ctx context.Context, saveName string, data []byte) (UploadResult, error) {
	if len(data) == 0 {
		return UploadResult{}, fmt.Errorf("%w: empty save file", ErrInvalidInput)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("save_name", saveName); err != nil {
		return UploadResult{}, err
	}
	part, err := mw.CreateFormFile("savefile", saveName)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, err
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", bytes.NewReader(body.Bytes()))
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return UploadResult{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return UploadResult{}, err
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return UploadResult{}, fmt.Errorf("%w: decode upload response: %v", ErrNetwork, err)
	}
	if !ur.Success {
		return UploadResult{}, fmt.Errorf("%w: server did not confirm the upload", ErrStorage)
	}
	if ur.SaveName == "" {
		ur.SaveName = saveName
	}
	return UploadResult{Stored: true, ID: ur.ID, SaveName: ur.SaveName, Size: ur.Size, Timestamp: ur.Timestamp}, nil
}

// UploadFile reads path and uploads it as saveName, or as the file's base
// name when saveName is empty.
func (c *Client) UploadFile(ctx context.Context, path, saveName string) (UploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UploadResult{Reason: ReasonInvalidInput}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if saveName == "" {
		saveName = filepath.Base(path)
	}
	return c.Upload(ctx, saveName, data)
}

// SaveInfo describes a downloaded save.
type SaveInfo struct {
	ID        string
	SaveName  string
	Size      int64
	Timestamp time.Time
	Checksum  string
}

func (c *Client) openLatest(ctx context.Context, saveName string) (*http.Response, *SaveInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/download-latest", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req.Header.Set("save_file_name", saveName)

	resp, err := c.do(req)
	if err != nil {
		return nil, nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, nil, err
	}

	info := &SaveInfo{
		ID:       resp.Header.Get("X-Save-Id"),
		SaveName: saveName,
		Size:     resp.ContentLength,
		Checksum: resp.Header.Get("X-Save-Sha256"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, resp.Header.Get("X-Save-Timestamp")); err == nil {
		info.Timestamp = ts
	}
	return resp, info, nil
}

// Download fetches the latest upload of saveName into memory.
func (c *Client) Download(ctx context.Context, saveName string) ([]byte, *SaveInfo, error) {
	resp, info, err := c.openLatest(ctx, saveName)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if len(data) > maxDownloadSize {
		return nil, nil, fmt.Errorf("%w: save larger than %d bytes", ErrInvalidInput, maxDownloadSize)
	}
	if err := verify(info, int64(len(data)), sha256.Sum256(data)); err != nil {
		return nil, nil, err
	}
	info.Size = int64(len(data))
	return data, info, nil
}

func verify(info *SaveInfo, n int64, sum [sha256.Size]byte) error {
	if info.Size >= 0 && n != info.Size {
		return fmt.Errorf("%w: truncated download: got %d of %d bytes", ErrNetwork, n, info.Size)
	}
	if info.Checksum != "" && !strings.EqualFold(info.Checksum, hex.EncodeToString(sum[:])) {
		return fmt.Errorf("%w: checksum mismatch", ErrNetwork)
	}
	return nil
}

// DownloadTo replaces the file at path with the latest upload of saveName.
// The body is written to a temporary file next to path and renamed into
// place only once it is complete; a previous file is kept as <name>.bak.
func (c *Client) DownloadTo(ctx context.Context, saveName, path string) (*SaveInfo, error) {
	resp, info, err := c.openLatest(ctx, saveName)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if n > maxDownloadSize {
		return nil, fmt.Errorf("%w: save larger than %d bytes", ErrInvalidInput, maxDownloadSize)
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	if err := verify(info, n, sum); err != nil {
		return nil, err
	}
	info.Size = n

	if err := tmp.Sync(); err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	backup := ""
	if _, err := os.Stat(path); err == nil {
		backup = BackupPath(path)
		if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove old backup: %w", err)
		}
		if err := rename(path, backup); err != nil {
			return nil, fmt.Errorf("back up current save: %w", err)
		}
	}
	if err := rename(tmp.Name(), path); err != nil {
		if backup != "" {
			if rerr := rename(backup, path); rerr != nil {
				logging.Client.Error().Err(rerr).Str("backup", backup).Msg("failed to restore previous save")
			}
		}
		return nil, fmt.Errorf("replace save: %w", err)
	}
	if backup != "" {
		logging.Client.Info().Str("backup", backup).Msg("kept previous save")
	}
	committed = true
	return info, nil
}

// rename is swapped in tests to simulate a failing filesystem.
var rename = os.Rename

// BackupPath returns where DownloadTo keeps the file it replaces.
func BackupPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".bak"
}

// ServerStatus is the /api/status payload.
type ServerStatus struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Time       time.Time `json:"time"`
	Uptime     string    `json:"uptime"`
	UserID     string    `json:"user_id,omitempty"`
	UserName   string    `json:"user_name,omitempty"`
	SavesCount *int      `json:"saves_count,omitempty"`
}

// Ping checks the server is up, bounded by the ping timeout.
func (c *Client) Ping(ctx context.Context) (*ServerStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/status", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var st ServerStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("%w: decode status: %v", ErrNetwork, err)
	}
	return &st, nil
}

// SaveEntry is one save slot as listed by the server.
type SaveEntry struct {
	SaveName string    `json:"save_name"`
	ID       string    `json:"id"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
	Versions int       `json:"versions"`
}

// ListSaves returns the user's save slots.
func (c *Client) ListSaves(ctx context.Context) ([]SaveEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/saves", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out struct {
		Saves []SaveEntry `json:"saves"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode saves: %v", ErrNetwork, err)
	}
	return out.Saves, nil
}

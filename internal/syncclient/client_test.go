package syncclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		ServerURL: srv.URL + "/api",
		APIKey:    "alice-key",
		UserName:  "alice",
		Timeout:   2 * time.Second,
		Retry:     RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNormalizeServerURL(t *testing.T) {
	tests := map[string]string{
		"https://saves.example.com":             "https://saves.example.com",
		"https://saves.example.com/":            "https://saves.example.com",
		"https://saves.example.com/api":         "https://saves.example.com",
		"https://saves.example.com/api/upload":  "https://saves.example.com",
		"http://10.0.0.2:6900/sync/api/upload/": "http://10.0.0.2:6900/sync",
	}
	for in, want := range tests {
		got, err := normalizeServerURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "saves.example.com", "ftp://x"} {
		_, err := normalizeServerURL(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, bad)
	}
}

func TestUpload(t *testing.T) {
	data := []byte("save bytes")
	ts := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/upload", r.URL.Path)
		assert.Equal(t, "alice-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "alice", r.Header.Get("X-User-Name"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "DragonWilds.sav", r.FormValue("save_name"))
		f, hdr, err := r.FormFile("savefile")
		require.NoError(t, err)
		defer f.Close()
		got, _ := io.ReadAll(f)
		assert.Equal(t, data, got)
		assert.Equal(t, "DragonWilds.sav", hdr.Filename)

		writeJSON(w, http.StatusOK, uploadResponse{Success: true, ID: "id-1", Size: int64(len(got)), Timestamp: ts, SaveName: "DragonWilds.sav"})
	})

	res, err := c.Upload(context.Background(), "DragonWilds.sav", data)
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.Equal(t, "id-1", res.ID)
	assert.Equal(t, "DragonWilds.sav", res.SaveName)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.True(t, res.Timestamp.Equal(ts))
}

func TestUpload_Reasons(t *testing.T) {
	tests := []struct {
		status int
		err    error
		reason Reason
	}{
		{http.StatusUnauthorized, ErrUnauthorized, ReasonUnauthorized},
		{http.StatusBadRequest, ErrInvalidInput, ReasonInvalidInput},
		{http.StatusRequestEntityTooLarge, ErrInvalidInput, ReasonInvalidInput},
		{http.StatusTooManyRequests, ErrNetwork, ReasonNetworkError},
		{http.StatusInternalServerError, ErrStorage, ReasonStorageError},
	}
	for _, tc := range tests {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, map[string]any{"success": false, "error": "nope"})
			})
			res, err := c.Upload(context.Background(), "DragonWilds.sav", []byte("x"))
			assert.ErrorIs(t, err, tc.err)
			assert.Contains(t, err.Error(), "nope")
			assert.False(t, res.Stored)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestUpload_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{ServerURL: url, APIKey: "k", UserName: "alice", Timeout: time.Second})
	require.NoError(t, err)

	res, err := c.Upload(context.Background(), "DragonWilds.sav", []byte("x"))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, ReasonNetworkError, res.Reason)
}

func TestUpload_EmptyRejectedLocally(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
	_, err := c.Upload(context.Background(), "DragonWilds.sav", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, calls.Load())
}

func TestUploadWithRetry(t *testing.T) {
	t.Run("retries storage errors", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage failure"})
				return
			}
			writeJSON(w, http.StatusOK, uploadResponse{Success: true, ID: "ok"})
		})
		res, err := c.UploadWithRetry(context.Background(), "DragonWilds.sav", []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, "ok", res.ID)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		})
		res, err := c.UploadWithRetry(context.Background(), "DragonWilds.sav", []byte("x"))
		assert.ErrorIs(t, err, ErrNetwork)
		assert.Equal(t, ReasonNetworkError, res.Reason)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("does not retry unauthorized", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid api key"})
		})
		res, err := c.UploadWithRetry(context.Background(), "DragonWilds.sav", []byte("x"))
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, ReasonUnauthorized, res.Reason)
		assert.EqualValues(t, 1, calls.Load())
	})
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "down"})
	})

	for i := 0; i < 5; i++ {
		_, err := c.Upload(context.Background(), "DragonWilds.sav", []byte("x"))
		assert.Error(t, err)
	}
	assert.EqualValues(t, 3, calls.Load(), "breaker should stop sending after three failures")

	_, err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func saveHandler(t *testing.T, body []byte, sum string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/download-latest", r.URL.Path)
		if r.Header.Get("save_file_name") != "DragonWilds.sav" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "save not found"})
			return
		}
		w.Header().Set("X-Save-Id", "id-7")
		w.Header().Set("X-Save-Timestamp", "2026-10-16T10:00:00Z")
		w.Header().Set("X-Save-Sha256", sum)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}
}

func checksum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func TestDownload(t *testing.T) {
	body := []byte("latest save")
	c := newTestClient(t, saveHandler(t, body, checksum(body)))

	data, info, err := c.Download(context.Background(), "DragonWilds.sav")
	require.NoError(t, err)
	assert.Equal(t, body, data)
	assert.Equal(t, "id-7", info.ID)
	assert.Equal(t, int64(len(body)), info.Size)
	assert.Equal(t, 2026, info.Timestamp.Year())

	_, _, err = c.Download(context.Background(), "Other.sav")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadTo(t *testing.T) {
	body := []byte("from the server")
	dir := t.TempDir()
	path := filepath.Join(dir, "DragonWilds.sav")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))
	require.NoError(t, os.WriteFile(BackupPath(path), []byte("older backup"), 0o644))

	c := newTestClient(t, saveHandler(t, body, checksum(body)))
	info, err := c.DownloadTo(context.Background(), "DragonWilds.sav", path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), info.Size)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	backup, err := os.ReadFile(filepath.Join(dir, "DragonWilds.bak"))
	require.NoError(t, err)
	assert.Equal(t, "local", string(backup))

	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 2, "no temporary files should remain")
}

func TestDownloadTo_ChecksumMismatchKeepsLocal(t *testing.T) {
	body := []byte("corrupted in transit")
	dir := t.TempDir()
	path := filepath.Join(dir, "DragonWilds.sav")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	c := newTestClient(t, saveHandler(t, body, checksum([]byte("something else"))))
	_, err := c.DownloadTo(context.Background(), "DragonWilds.sav", path)
	assert.ErrorIs(t, err, ErrNetwork)

	got, _ := os.ReadFile(path)
	assert.Equal(t, "local", string(got))
	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 1)
}

func TestDownloadTo_FailedReplaceRestoresSave(t *testing.T) {
	body := []byte("from the server")
	dir := t.TempDir()
	path := filepath.Join(dir, "DragonWilds.sav")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	rename = func(from, to string) error {
		if strings.HasSuffix(from, ".part") {
			return errors.New("device busy")
		}
		return os.Rename(from, to)
	}
	t.Cleanup(func() { rename = os.Rename })

	c := newTestClient(t, saveHandler(t, body, checksum(body)))
	_, err := c.DownloadTo(context.Background(), "DragonWilds.sav", path)
	require.Error(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err, "the current save must be put back")
	assert.Equal(t, "local", string(got))
	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 1, "no backup or temporary file should remain")
}

func TestDownloadTo_NewFile(t *testing.T) {
	body := []byte("first download")
	path := filepath.Join(t.TempDir(), "saves", "DragonWilds.sav")

	c := newTestClient(t, saveHandler(t, body, ""))
	_, err := c.DownloadTo(context.Background(), "DragonWilds.sav", path)
	require.NoError(t, err)

	got, _ := os.ReadFile(path)
	assert.Equal(t, body, got)
	_, err = os.Stat(BackupPath(path))
	assert.True(t, os.IsNotExist(err))
}

func TestPing(t *testing.T) {
	count := 3
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		writeJSON(w, http.StatusOK, ServerStatus{Status: "online", Version: "1.0", UserID: "alice", SavesCount: &count})
	})

	st, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "online", st.Status)
	require.NotNil(t, st.SavesCount)
	assert.Equal(t, 3, *st.SavesCount)
}

func TestPing_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{ServerURL: srv.URL, APIKey: "k", UserName: "alice", PingTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestListSaves(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": "alice",
			"saves":   []SaveEntry{{SaveName: "DragonWilds.sav", Size: 10, Versions: 2}},
		})
	})
	saves, err := c.ListSaves(context.Background())
	require.NoError(t, err)
	require.Len(t, saves, 1)
	assert.Equal(t, 2, saves[0].Versions)
}

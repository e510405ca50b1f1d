package api

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"savesync/internal/keystore"
	"savesync/internal/saves"
	"savesync/internal/store"
)

type testServer struct {
	handler *Handler
	svc     *saves.Service
	st      *store.SQLiteStore
	keys    *keystore.Store
	uploads *UploadLimiter
}

func setupTestHandler(t *testing.T, maxUpload int64) *testServer {
	t.Helper()

	keys, err := keystore.New(map[string]string{"alice": "alice-key", "bob": "bob-key"})
	if err != nil {
		t.Fatalf("failed to create keystore: %v", err)
	}
	storage, err := saves.NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := saves.NewService(storage, st, keys, saves.Options{MaxUploadSize: maxUpload})
	uploads := NewUploadLimiter(2, 0)
	h := NewHandler(svc, keys, Options{
		Version:  "test",
		Sessions: NewSessionManager([]byte("test-secret"), time.Hour, false),
		Uploads:  uploads,
	})
	return &testServer{handler: h, svc: svc, st: st, keys: keys, uploads: uploads}
}

func multipartUpload(t *testing.T, fileName, saveName string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if saveName != "" {
		mw.WriteField("save_name", saveName)
	}
	if data != nil {
		part, err := mw.CreateFormFile("savefile", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write(data)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (s *testServer) upload(t *testing.T, key, user, fileName, saveName string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	return s.uploadCtx(t, context.Background(), key, user, fileName, saveName, data)
}

func (s *testServer) uploadCtx(t *testing.T, ctx context.Context, key, user, fileName, saveName string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, fileName, saveName, data)
	req := httptest.NewRequestWithContext(ctx, "POST", "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderAPIKey, key)
	req.Header.Set(HeaderUserName, user)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) get(path string, header http.Header, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_UploadAndDownload(t *testing.T) {
	s := setupTestHandler(t, 0)
	data := bytes.Repeat([]byte{0xAB}, 1024)

	rec := s.upload(t, "alice-key", "alice", "DragonWilds.sav", "", data)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp UploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || resp.Size != 1024 || resp.SaveName != "DragonWilds.sav" {
		t.Errorf("unexpected upload response: %+v", resp)
	}
	if resp.ID == "" || resp.Timestamp.IsZero() {
		t.Error("expected id and timestamp in response")
	}

	t.Run("download by query", func(t *testing.T) {
		rec := s.get("/api/download?save=DragonWilds.sav", http.Header{HeaderAPIKey: {"alice-key"}})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if !bytes.Equal(rec.Body.Bytes(), data) {
			t.Error("downloaded bytes differ from upload")
		}
		if rec.Header().Get(HeaderSaveID) != resp.ID {
			t.Errorf("expected %s header %q, got %q", HeaderSaveID, resp.ID, rec.Header().Get(HeaderSaveID))
		}
		if rec.Header().Get(HeaderSaveChecksum) == "" {
			t.Error("expected checksum header")
		}
		if !strings.Contains(rec.Header().Get("Content-Disposition"), "DragonWilds.sav") {
			t.Errorf("unexpected Content-Disposition %q", rec.Header().Get("Content-Disposition"))
		}
	})

	t.Run("download latest by header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/download-latest", nil)
		req.Header.Set(HeaderAPIKey, "alice-key")
		req.Header.Set("save_file_name", "DragonWilds.sav")
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if !bytes.Equal(rec.Body.Bytes(), data) {
			t.Error("downloaded bytes differ from upload")
		}
	})

	t.Run("other user sees nothing", func(t *testing.T) {
		rec := s.get("/api/download-latest", http.Header{HeaderAPIKey: {"bob-key"}})
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("newer upload wins", func(t *testing.T) {
		newer := []byte("second version")
		if rec := s.upload(t, "alice-key", "alice", "DragonWilds.sav", "", newer); rec.Code != http.StatusOK {
			t.Fatalf("second upload failed: %d", rec.Code)
		}
		rec := s.get("/api/download-latest", http.Header{HeaderAPIKey: {"alice-key"}})
		if rec.Body.String() != string(newer) {
			t.Errorf("expected newest upload, got %q", rec.Body.String())
		}
	})
}

func TestHandler_UploadErrors(t *testing.T) {
	s := setupTestHandler(t, 1024)

	testCases := []struct {
		name     string
		key      string
		user     string
		file     string
		saveName string
		data     []byte
		expected int
	}{
		{"unknown key", "nope", "alice", "DragonWilds.sav", "", []byte("x"), http.StatusUnauthorized},
		{"missing key", "", "alice", "DragonWilds.sav", "", []byte("x"), http.StatusUnauthorized},
		{"key of another user", "bob-key", "alice", "DragonWilds.sav", "", []byte("x"), http.StatusUnauthorized},
		{"missing file", "alice-key", "alice", "", "", nil, http.StatusBadRequest},
		{"empty file", "alice-key", "alice", "DragonWilds.sav", "", []byte{}, http.StatusBadRequest},
		{"path traversal", "alice-key", "alice", "DragonWilds.sav", "../../etc/passwd", []byte("x"), http.StatusBadRequest},
		{"too large", "alice-key", "alice", "DragonWilds.sav", "", make([]byte, 2048), http.StatusRequestEntityTooLarge},
		{"body over request cap", "alice-key", "alice", "DragonWilds.sav", "", make([]byte, 1024+multipartOverhead+1), http.StatusRequestEntityTooLarge},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.upload(t, tc.key, tc.user, tc.file, tc.saveName, tc.data)
			if rec.Code != tc.expected {
				t.Errorf("expected %d, got %d: %s", tc.expected, rec.Code, rec.Body.String())
			}
			var resp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode error: %v", err)
			}
			if resp.Success || resp.Error == "" {
				t.Errorf("expected error body, got %+v", resp)
			}
		})
	}

	if n, _ := s.svc.Count(context.Background(), "alice"); n != 0 {
		t.Errorf("rejected uploads must not be stored, found %d", n)
	}

	audit, err := s.st.ListAudit(context.Background(), "", 100)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(audit) != len(testCases) {
		t.Errorf("expected every attempt audited, got %d entries", len(audit))
	}
}

func TestHandler_UploadInFlightLimit(t *testing.T) {
	s := setupTestHandler(t, 0)

	var releases []func()
	for i := 0; i < s.uploads.MaxInFlight(); i++ {
		release, err := s.uploads.Acquire(context.Background(), "alice")
		if err != nil {
			t.Fatalf("failed to reserve slot: %v", err)
		}
		releases = append(releases, release)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := s.uploadCtx(t, ctx, "alice-key", "alice", "DragonWilds.sav", "", []byte("data"))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}

	audit, err := s.st.ListAudit(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(audit) != 1 || audit[0].Reason != "busy" || audit[0].Outcome != store.OutcomeFailure {
		t.Errorf("expected the turned away upload to be audited, got %+v", audit)
	}

	// Other users are unaffected.
	if rec := s.upload(t, "bob-key", "bob", "DragonWilds.sav", "", []byte("data")); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for bob, got %d", rec.Code)
	}

	for _, release := range releases {
		release()
	}
	if rec := s.upload(t, "alice-key", "alice", "DragonWilds.sav", "", []byte("data")); rec.Code != http.StatusOK {
		t.Errorf("expected 200 after release, got %d", rec.Code)
	}
}

func TestHandler_ConcurrentUploadsQueue(t *testing.T) {
	s := setupTestHandler(t, 0)

	const n = 6
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte('a' + i)}, 64<<10)
			codes[i] = s.upload(t, "alice-key", "alice", "DragonWilds.sav", "", data).Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("upload %d: expected 200, got %d", i, code)
		}
	}
	if n, _ := s.svc.Count(context.Background(), "alice"); n != len(codes) {
		t.Errorf("expected %d stored uploads, got %d", len(codes), n)
	}
	audit, _ := s.st.ListAudit(context.Background(), "alice", 100)
	if len(audit) != len(codes) {
		t.Errorf("expected %d audit entries, got %d", len(codes), len(audit))
	}
}

func TestHandler_RateLimitedUploadAudited(t *testing.T) {
	s := setupTestHandler(t, 0)
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond:       10,
		BurstSize:               10,
		UploadRequestsPerMinute: 1,
		UploadBurstSize:         1,
	})
	frozen := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return frozen }
	s.handler = NewHandler(s.svc, s.keys, Options{Version: "test", RateLimiter: rl, Uploads: s.uploads})

	if rec := s.upload(t, "alice-key", "alice", "DragonWilds.sav", "", []byte("one")); rec.Code != http.StatusOK {
		t.Fatalf("expected first upload to pass, got %d", rec.Code)
	}
	if rec := s.upload(t, "alice-key", "alice", "DragonWilds.sav", "", []byte("two")); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	audit, err := s.st.ListAudit(context.Background(), "alice", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(audit))
	}
	if audit[0].Reason != "rate_limited" || audit[0].UserName != "alice" {
		t.Errorf("unexpected rate limited entry: %+v", audit[0])
	}
}

func TestHandler_Status(t *testing.T) {
	s := setupTestHandler(t, 0)
	s.upload(t, "alice-key", "alice", "DragonWilds.sav", "", []byte("data"))

	t.Run("anonymous", func(t *testing.T) {
		rec := s.get("/api/status", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp StatusResponse
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Status != "online" || resp.Version != "test" {
			t.Errorf("unexpected status: %+v", resp)
		}
		if resp.UserID != "" || resp.SavesCount != nil {
			t.Error("user fields must be omitted without a key")
		}
	})

	t.Run("with key", func(t *testing.T) {
		rec := s.get("/api/status", http.Header{HeaderAPIKey: {"alice-key"}, HeaderUserName: {"alice"}})
		var resp StatusResponse
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.UserID != "alice" || resp.UserName != "alice" {
			t.Errorf("unexpected user fields: %+v", resp)
		}
		if resp.SavesCount == nil || *resp.SavesCount != 1 {
			t.Errorf("expected saves_count 1, got %v", resp.SavesCount)
		}
	})
}

func TestHandler_ListSaves(t *testing.T) {
	s := setupTestHandler(t, 0)
	s.upload(t, "alice-key", "alice", "DragonWilds.sav", "", []byte("one"))
	s.upload(t, "alice-key", "alice", "DragonWilds.sav", "", []byte("two"))
	s.upload(t, "alice-key", "alice", "Other.sav", "", []byte("three"))

	rec := s.get("/api/saves", http.Header{HeaderAPIKey: {"alice-key"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp SavesResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.UserID != "alice" || len(resp.Saves) != 2 {
		t.Fatalf("unexpected listing: %+v", resp)
	}
	if resp.Saves[0].SaveName != "DragonWilds.sav" || resp.Saves[0].Versions != 2 || resp.Saves[0].Size != 3 {
		t.Errorf("unexpected first slot: %+v", resp.Saves[0])
	}

	if rec := s.get("/api/saves", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}
}

func TestHandler_Docs(t *testing.T) {
	s := setupTestHandler(t, 0)
	rec := s.get("/api", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/api/upload") {
		t.Error("docs should list the upload endpoint")
	}
}

func TestHandler_WebSession(t *testing.T) {
	s := setupTestHandler(t, 0)
	s.upload(t, "alice-key", "alice", "DragonWilds.sav", "", []byte("web save"))

	login := func(key string) *httptest.ResponseRecorder {
		form := url.Values{"api_key": {key}}
		req := httptest.NewRequest("POST", "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("index renders login", func(t *testing.T) {
		rec := s.get("/", nil)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `name="api_key"`) {
			t.Errorf("expected login form, got %d", rec.Code)
		}
	})

	t.Run("bad key", func(t *testing.T) {
		rec := login("wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Invalid API key") {
			t.Error("expected error message on login page")
		}
	})

	t.Run("dashboard requires session", func(t *testing.T) {
		rec := s.get("/dashboard", nil)
		if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
			t.Errorf("expected redirect to /, got %d %q", rec.Code, rec.Header().Get("Location"))
		}
	})

	rec := login("alice-key")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/dashboard" {
		t.Fatalf("expected redirect to dashboard, got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookie || !cookies[0].HttpOnly {
		t.Fatalf("expected one HttpOnly session cookie, got %v", cookies)
	}
	session := cookies[0]

	t.Run("dashboard", func(t *testing.T) {
		rec := s.get("/dashboard", nil, session)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := rec.Body.String()
		for _, want := range []string{"Saves for alice", "DragonWilds.sav", "Recent uploads"} {
			if !strings.Contains(body, want) {
				t.Errorf("dashboard missing %q", want)
			}
		}
	})

	t.Run("index redirects when logged in", func(t *testing.T) {
		rec := s.get("/", nil, session)
		if rec.Code != http.StatusSeeOther {
			t.Errorf("expected 303, got %d", rec.Code)
		}
	})

	t.Run("download single slot", func(t *testing.T) {
		rec := s.get("/download", nil, session)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body, _ := io.ReadAll(rec.Body)
		if string(body) != "web save" {
			t.Errorf("unexpected body %q", body)
		}
	})

	t.Run("download picks from dashboard with several slots", func(t *testing.T) {
		s.upload(t, "alice-key", "alice", "Other.sav", "", []byte("other"))
		rec := s.get("/download", nil, session)
		if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/dashboard" {
			t.Errorf("expected redirect to dashboard, got %d", rec.Code)
		}
		rec = s.get("/download?save=Other.sav", nil, session)
		if rec.Body.String() != "other" {
			t.Errorf("unexpected body %q", rec.Body.String())
		}
	})

	t.Run("logout", func(t *testing.T) {
		rec := s.get("/logout", nil, session)
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("expected 303, got %d", rec.Code)
		}
		cleared := rec.Result().Cookies()
		if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
			t.Errorf("expected session cookie to be cleared, got %v", cleared)
		}
	})
}

package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigSetAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	_, err := run(t, "--settings", path, "config", "set", "user_name", "alice")
	require.NoError(t, err)
	_, err = run(t, "--settings", path, "config", "set", "api_key", "supersecret")
	require.NoError(t, err)
	_, err = run(t, "--settings", path, "config", "set", "save_file_name", "World2")
	require.NoError(t, err)

	out, err := run(t, "--settings", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "World2.sav")
	assert.NotContains(t, out, "supersecret")

	_, err = run(t, "--settings", path, "config", "set", "nope", "x")
	assert.Error(t, err)
}

func TestPingRequiresSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	_, err := run(t, "--settings", path, "ping")
	assert.ErrorContains(t, err, "api_key")
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"online","version":"1.2.3","uptime":"5m0s","user_id":"alice","saves_count":4}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	for k, v := range map[string]string{"user_name": "alice", "api_key": "k", "server_url": srv.URL} {
		_, err := run(t, "--settings", path, "config", "set", k, v)
		require.NoError(t, err)
	}

	out, err := run(t, "--settings", path, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "Server online (version 1.2.3")
	assert.Contains(t, out, "4 stored uploads")
}

func TestUploadFileReportsSentName(t *testing.T) {
	var sent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sent = r.FormValue("save_name")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"id":"id-1","size":5,"timestamp":"2026-10-16T10:00:00Z","save_name":"` + sent + `"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	for k, v := range map[string]string{"user_name": "alice", "api_key": "k", "server_url": srv.URL} {
		_, err := run(t, "--settings", path, "config", "set", k, v)
		require.NoError(t, err)
	}
	file := filepath.Join(dir, "Backup1.sav")
	require.NoError(t, os.WriteFile(file, []byte("bytes"), 0o644))

	out, err := run(t, "--settings", path, "upload", file)
	require.NoError(t, err)
	assert.Equal(t, "Backup1.sav", sent)
	assert.Contains(t, out, "Uploaded Backup1.sav")
	assert.NotContains(t, out, "DragonWilds.sav")
}

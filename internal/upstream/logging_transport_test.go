package upstream

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLogLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestLoggingTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"no such share"}`)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, "binary payload")
	}))
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "upstream.log")
	lt, err := NewLoggingTransport(nil, logPath)
	require.NoError(t, err)
	client := &http.Client{Transport: lt}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/s/file", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=4-")
	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "binary payload", string(body))

	resp, err = client.Get(srv.URL + "/missing")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.JSONEq(t, `{"error":"no such share"}`, string(body))

	require.NoError(t, lt.Close())

	lines := readLogLines(t, logPath)
	require.Len(t, lines, 2)
	assert.Equal(t, "upstream response", lines[0]["msg"])
	assert.Equal(t, "bytes=4-", lines[0]["range"])
	assert.NotContains(t, lines[0], "body")

	assert.Equal(t, "upstream error response", lines[1]["msg"])
	assert.Equal(t, float64(http.StatusNotFound), lines[1]["status"])
	assert.Equal(t, `{"error":"no such share"}`, lines[1]["body"])
}

package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = "0123456789abcdefghijklmnopqrstuvwxyz"

// rangeServer serves payload and honours single open-ended Range headers.
func rangeServer(t *testing.T, headRefused bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && headRefused {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="My Archive.zip"`)
		w.Header().Set("X-Checksum-Sha256", "ABCDEF")

		start, end := 0, len(payload)-1
		if rng := r.Header.Get("Range"); rng != "" {
			bounds := strings.TrimPrefix(rng, "bytes=")
			from, to, _ := strings.Cut(bounds, "-")
			start, _ = strconv.Atoi(from)
			if to != "" {
				end, _ = strconv.Atoi(to)
			}
			w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(end)+"/"+strconv.Itoa(len(payload)))
			w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		}
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, payload[start:end+1])
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe_Head(t *testing.T) {
	srv := rangeServer(t, false)
	c := NewClient(srv.Client())

	head, err := c.Probe(context.Background(), srv.URL+"/files/archive")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), head.Size)
	assert.Equal(t, "My Archive.zip", head.Filename)
	assert.Equal(t, "application/zip", head.ContentType)
	assert.True(t, head.AcceptsRanges)
	require.NotNil(t, head.Checksum)
	assert.Equal(t, "sha256", head.Checksum.Algorithm)
	assert.Equal(t, "ABCDEF", head.Checksum.Value)
}

func TestProbe_FallsBackToRangedGet(t *testing.T) {
	srv := rangeServer(t, true)
	c := NewClient(srv.Client())

	head, err := c.Probe(context.Background(), srv.URL+"/files/archive")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), head.Size)
	assert.True(t, head.AcceptsRanges)
}

func TestProbe_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusGone, ErrNotFound},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusTooManyRequests, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
		{http.StatusTeapot, ErrUnexpectedStatus},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(srv.Client()).Probe(context.Background(), srv.URL)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.want == ErrUnavailable, IsTransient(err))
		})
	}
}

func TestProbe_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(nil).Probe(context.Background(), url)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpen_Resume(t *testing.T) {
	srv := rangeServer(t, false)
	c := NewClient(srv.Client())

	body, err := c.Open(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, int64(10), body.Offset)
	assert.Equal(t, int64(len(payload)), body.Total)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload[10:], string(data))
}

func TestOpen_RangeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	body, err := NewClient(srv.Client()).Open(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, int64(0), body.Offset)
}

func TestParseContentRange(t *testing.T) {
	start, total := parseContentRange("bytes 5-9/100")
	assert.Equal(t, int64(5), start)
	assert.Equal(t, int64(100), total)

	start, total = parseContentRange("bytes 0-0/*")
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(-1), total)

	start, total = parseContentRange("")
	assert.Equal(t, int64(-1), start)
	assert.Equal(t, int64(-1), total)
}

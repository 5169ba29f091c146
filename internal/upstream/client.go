package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go-batch-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrNotFound          = errors.New("upstream: resource not found")
	ErrForbidden         = errors.New("upstream: access forbidden")
	ErrUnavailable       = errors.New("upstream: temporarily unavailable")
	ErrUnexpectedStatus  = errors.New("upstream: unexpected status")
	ErrRangeNotSupported = errors.New("upstream: range request not honoured")
)

// Checksum headers understood by Probe, in order of preference.
var checksumHeaders = []struct {
	header    string
	algorithm string
}{
	{"X-Checksum-Sha256", "sha256"},
	{"X-Checksum-Blake3", "blake3"},
	{"X-Checksum-Crc32", "crc32"},
}

// Head is what a metadata probe learned about a remote file.
type Head struct {
	FinalURL      string
	Filename      string
	Size          int64 // -1 when unknown
	ContentType   string
	AcceptsRanges bool
	Checksum      *models.Checksum
}

// Body is an open transfer stream.
type Body struct {
	io.ReadCloser
	// Offset is the byte position the stream starts at. It is the requested
	// offset when the server honoured the range, zero otherwise.
	Offset int64
	// Total is the full size of the remote file, -1 when unknown.
	Total int64
}

// Client talks to the file provider.
type Client struct {
	HttpClient *http.Client
	UserAgent  string
}

// NewClient creates a new provider client.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{HttpClient: httpClient, UserAgent: "go-batch-download/1.0"}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// classifyStatus maps a non-success status code to one of the package errors.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w (status code %d)", ErrNotFound, code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w (status code %d)", ErrForbidden, code)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return fmt.Errorf("%w (status code %d)", ErrUnavailable, code)
	default:
		return fmt.Errorf("%w %d", ErrUnexpectedStatus, code)
	}
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating %s request for %s: %w", method, rawURL, err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		// Network failures and timeouts are always worth another attempt.
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, req.Method, req.URL, err)
	}
	return resp, nil
}

// Probe resolves metadata for rawURL with a HEAD request, falling back to a
// one-byte ranged GET for servers that refuse HEAD.
func (c *Client) Probe(ctx context.Context, rawURL string) (Head, error) {
	req, err := c.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return Head{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return Head{}, err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		log.Debugf("HEAD refused by %s, probing with ranged GET", rawURL)
		return c.probeWithGet(ctx, rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return Head{}, classifyStatus(resp.StatusCode)
	}

	head := headFromResponse(resp)
	head.Size = resp.ContentLength
	return head, nil
}

func (c *Client) probeWithGet(ctx context.Context, rawURL string) (Head, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return Head{}, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := c.do(req)
	if err != nil {
		return Head{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		head := headFromResponse(resp)
		head.AcceptsRanges = true
		_, head.Size = parseContentRange(resp.Header.Get("Content-Range"))
		return head, nil
	case http.StatusOK:
		head := headFromResponse(resp)
		head.AcceptsRanges = false
		head.Size = resp.ContentLength
		return head, nil
	}
	return Head{}, classifyStatus(resp.StatusCode)
}

// Open starts a transfer of rawURL at offset. When the server ignores the
// range the returned Body starts at zero.
func (c *Client) Open(ctx context.Context, rawURL string, offset int64) (*Body, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &Body{ReadCloser: resp.Body, Offset: 0, Total: resp.ContentLength}, nil
	case http.StatusPartialContent:
		start, total := parseContentRange(resp.Header.Get("Content-Range"))
		if start != offset {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: asked for offset %d, got %d", ErrRangeNotSupported, offset, start)
		}
		return &Body{ReadCloser: resp.Body, Offset: start, Total: total}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: offset %d not satisfiable", ErrRangeNotSupported, offset)
	}
	resp.Body.Close()
	return nil, classifyStatus(resp.StatusCode)
}

func headFromResponse(resp *http.Response) Head {
	head := Head{
		FinalURL:      resp.Request.URL.String(),
		ContentType:   resp.Header.Get("Content-Type"),
		AcceptsRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		Filename:      filenameFromResponse(resp),
	}
	if head.ContentType == "" {
		head.ContentType = "application/octet-stream"
	}
	for _, h := range checksumHeaders {
		if v := strings.TrimSpace(resp.Header.Get(h.header)); v != "" {
			head.Checksum = &models.Checksum{Algorithm: h.algorithm, Value: v}
			break
		}
	}
	return head
}

// filenameFromResponse prefers Content-Disposition and falls back to the last
// path segment of the final URL.
func filenameFromResponse(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		_, params, err := mime.ParseMediaType(cd)
		if err == nil && params["filename"] != "" {
			return params["filename"]
		}
		if err != nil {
			log.WithError(err).Debugf("Could not parse Content-Disposition header: %s", cd)
		}
	}
	base := path.Base(resp.Request.URL.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

// parseContentRange parses "bytes start-end/total". Unknown values are -1.
func parseContentRange(v string) (start, total int64) {
	start, total = -1, -1
	v = strings.TrimSpace(strings.TrimPrefix(v, "bytes"))
	rangePart, totalPart, ok := strings.Cut(v, "/")
	if !ok {
		return
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(totalPart), 10, 64); err == nil {
		total = n
	}
	if from, _, ok := strings.Cut(strings.TrimSpace(rangePart), "-"); ok {
		if n, err := strconv.ParseInt(from, 10, 64); err == nil {
			start = n
		}
	}
	return
}

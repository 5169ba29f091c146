package upstream

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxLoggedBody caps how much of an error body is copied into the log.
const maxLoggedBody = 4 << 10

// LoggingTransport records every provider call as one JSON line in a
// dedicated file. Transfer bodies are never read; the body of a failed
// JSON or text response is logged up to maxLoggedBody bytes.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	logger    *log.Logger
}

// NewLoggingTransport opens logFilePath for appending and wraps transport,
// or http.DefaultTransport when nil.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open upstream log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	logger := log.New()
	logger.SetOutput(f)
	logger.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.SetLevel(log.InfoLevel)

	return &LoggingTransport{Transport: transport, logFile: f, logger: logger}, nil
}

// RoundTrip performs the request and logs its outcome.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	entry := t.logger.WithFields(log.Fields{
		"method": req.Method,
		"url":    req.URL.Redacted(),
	})
	if rng := req.Header.Get("Range"); rng != "" {
		entry = entry.WithField("range", rng)
	}

	resp, err := t.Transport.RoundTrip(req)
	entry = entry.WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		entry.WithError(err).Warn("upstream request failed")
		return nil, err
	}

	entry = entry.WithFields(log.Fields{
		"status":         resp.StatusCode,
		"content_type":   resp.Header.Get("Content-Type"),
		"content_length": resp.ContentLength,
	})
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		entry = entry.WithField("content_range", cr)
	}
	if resp.StatusCode < 400 {
		entry.Info("upstream response")
		return resp, nil
	}

	if loggableBody(resp.Header.Get("Content-Type")) {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
		// Put back what was read so the caller sees the full body.
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		if readErr != nil {
			entry = entry.WithField("body_error", readErr.Error())
		} else {
			entry = entry.WithField("body", string(body))
		}
	}
	entry.Warn("upstream error response")
	return resp, nil
}

func loggableBody(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json") || strings.HasPrefix(contentType, "text/")
}

// Close closes the log file.
func (t *LoggingTransport) Close() error {
	return t.logFile.Close()
}

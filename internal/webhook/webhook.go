// Package webhook delivers signed batch completion notifications.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go-batch-download/internal/models"
	"go-batch-download/internal/transfer"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	HeaderEvent     = "X-Batch-Event"
	HeaderDelivery  = "X-Batch-Delivery"
	HeaderSignature = "X-Batch-Signature"

	// MaxRetries is the number of redeliveries after the first attempt.
	MaxRetries = 5
)

var ErrDeliveryFailed = errors.New("webhook delivery failed")

// Payload is the JSON body of a notification.
type Payload struct {
	Event      models.EventType   `json:"event"`
	DeliveryID string             `json:"delivery_id"`
	BatchID    string             `json:"batch_id"`
	CallerID   string             `json:"caller_id"`
	Status     models.BatchStatus `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Sign returns the hex HMAC-SHA256 of body, prefixed with the algorithm.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Sender posts notifications with bounded retries.
type Sender struct {
	client  *http.Client
	secret  string
	clock   clock.Clock
	backoff transfer.Backoff
	wg      sync.WaitGroup
}

// NewSender creates a sender. timeout bounds each attempt.
func NewSender(secret string, timeout time.Duration, backoff transfer.Backoff, clk clock.Clock) *Sender {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{
		client:  &http.Client{Timeout: timeout},
		secret:  secret,
		clock:   clk,
		backoff: backoff,
	}
}

// Notify delivers in the background. Use Wait to drain pending deliveries.
func (s *Sender) Notify(ctx context.Context, url string, batch models.Batch, status models.BatchStatus) {
	if url == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Deliver(ctx, url, batch, status); err != nil {
			log.WithField("batch", batch.ID).WithError(err).Error("Dropping batch webhook after retries")
		}
	}()
}

// Wait blocks until background deliveries finish.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// Deliver posts one notification, retrying failed attempts up to
// MaxRetries times. Every attempt carries the same delivery id so the
// receiver can drop duplicates.
func (s *Sender) Deliver(ctx context.Context, url string, batch models.Batch, status models.BatchStatus) error {
	payload := Payload{
		Event:      models.EventBatchCompleted,
		DeliveryID: uuid.NewString(),
		BatchID:    batch.ID,
		CallerID:   batch.CallerID,
		Status:     status,
		Timestamp:  s.clock.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling webhook payload: %w", err)
	}
	signature := Sign(s.secret, body)
	logger := log.WithFields(log.Fields{"batch": batch.ID, "delivery": payload.DeliveryID, "url": url})

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoff.Delay(attempt - 1)
			logger.WithError(lastErr).Warnf("Webhook attempt %d failed, retrying in %s", attempt, delay)
			timer := s.clock.Timer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
			case <-timer.C:
			}
		}
		if lastErr = s.post(ctx, url, body, signature, payload.DeliveryID); lastErr == nil {
			logger.Infof("Webhook delivered on attempt %d", attempt+1)
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrDeliveryFailed, MaxRetries+1, lastErr)
}

func (s *Sender) post(ctx context.Context, url string, body []byte, signature, deliveryID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-batch-download-webhook/1.0")
	req.Header.Set(HeaderEvent, string(models.EventBatchCompleted))
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderSignature, signature)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receiver returned status %d", resp.StatusCode)
	}
	return nil
}

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fleetview/internal/models"
	"fleetview/internal/session"

	log "github.com/sirupsen/logrus"
)

// ErrBadStatus is returned when the roster read answers with a non-2xx status.
var ErrBadStatus = errors.New("roster read failed")

// maxBodySize bounds the roster response we are willing to buffer.
const maxBodySize = 32 << 20

// Options configures a Loader.
type Options struct {
	URL      string        // full roster read URL
	Timeout  time.Duration // per attempt
	Attempts int           // total attempts, at least 1
	Backoff  time.Duration // delay before the second attempt, doubled after each retry
}

// Loader performs the roster read for a view.
type Loader struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	attempts   int
	backoff    time.Duration
}

// NewLoader creates a roster loader. Zero options fall back to a single
// attempt with a 10s timeout.
func NewLoader(opts Options) *Loader {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}

	return &Loader{
		url:        opts.URL,
		httpClient: &http.Client{},
		timeout:    opts.Timeout,
		attempts:   opts.Attempts,
		backoff:    opts.Backoff,
	}
}

// Load fetches the full roster for the session. Network errors, 408, 429 and
// 5xx answers are retried with exponential backoff; anything else fails at
// once. Cancelling ctx aborts the fetch, including while waiting to retry.
func (l *Loader) Load(ctx context.Context, cred session.Credential) ([]models.RawVehicle, error) {
	delay := l.backoff
	maxDelay := 8 * l.backoff

	var lastErr error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		vehicles, retry, err := l.fetch(ctx, cred)
		if err == nil {
			return vehicles, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !retry || attempt == l.attempts {
			break
		}

		log.WithFields(log.Fields{"attempt": attempt, "retry_in": delay}).Warnf("⚠️  Roster read failed: %v", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	return nil, lastErr
}

// fetch performs one attempt. retry reports whether a failure is worth retrying.
func (l *Loader) fetch(ctx context.Context, cred session.Credential) (vehicles []models.RawVehicle, retry bool, err error) {
	actx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	cred.Apply(req)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("roster request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read roster response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, retryableStatus(resp.StatusCode), fmt.Errorf("%w: status %d: %s", ErrBadStatus, resp.StatusCode, truncate(body, 200))
	}

	vehicles, rejected, err := models.DecodeRoster(body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse roster: %w", err)
	}
	if rejected > 0 {
		log.WithField("rejected", rejected).Warn("⚠️  Skipped invalid roster entries")
	}

	log.Debugf("📋 Roster read returned %d vehicle(s)", len(vehicles))
	return vehicles, false, nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

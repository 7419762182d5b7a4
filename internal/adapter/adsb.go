package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	adsbDefaultPoll   = 5 * time.Second
	adsbClientTimeout = 10 * time.Second
)

// adsbAdapter polls an aircraft-list JSON endpoint. Each poll emits one
// record per aircraft row, stamped from the feed's own clock minus the
// per-row position age.
type adsbAdapter struct {
	*base
	client *http.Client
}

type adsbResponse struct {
	Now      float64          `json:"now"` // feed clock, epoch seconds
	Aircraft []map[string]any `json:"aircraft"`
}

func (a *adsbAdapter) Start(ctx context.Context) error {
	a.client = &http.Client{Timeout: adsbClientTimeout}
	return a.start(ctx, a.session)
}

// session polls until the first hard failure; the reconnect loop in base
// handles backoff between sessions.
func (a *adsbAdapter) session(ctx context.Context) error {
	interval := a.feed.PollInterval
	if interval <= 0 {
		interval = adsbDefaultPoll
	}

	if err := a.poll(ctx); err != nil {
		return err
	}
	a.markConnected()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.poll(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *adsbAdapter) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.feed.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range a.feed.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll %s: %w", a.feed.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("poll %s: status %d", a.feed.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(a.opts.MaxBatchBytes)*2))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	var doc adsbResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		a.countParseError(err)
		return nil // malformed poll drops the batch, not the session
	}

	records := stampAircraft(doc)
	a.emitRecords(a.truncateBatch(records, len(body)))
	return nil
}

// stampAircraft derives a per-row timestamp from the feed clock and the
// row's position age, so downstream sees a real position time.
func stampAircraft(doc adsbResponse) []map[string]any {
	nowMs := doc.Now * 1000
	if nowMs <= 0 {
		nowMs = float64(time.Now().UnixMilli())
	}
	out := make([]map[string]any, 0, len(doc.Aircraft))
	for _, row := range doc.Aircraft {
		if row == nil {
			continue
		}
		if _, has := row["timestamp"]; !has {
			tsMs := nowMs
			if age, ok := row["seen_pos"].(float64); ok && age >= 0 {
				tsMs -= age * 1000
			}
			row["timestamp"] = tsMs
		}
		out = append(out, row)
	}
	return out
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"golang.org/x/net/http/httpguts"
	"gopkg.in/yaml.v3"
)

// Feed types accepted in the catalog. They select the adapter implementation.
const (
	FeedTypeAISWS  = "ais-ws"
	FeedTypeAISHub = "ais-hub"
	FeedTypeADSB   = "adsb"
)

// FeedConfig describes a single upstream feed. Loaded from the YAML catalog
// pointed at by PELORUS_FEEDS_FILE.
type FeedConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	URL  string `yaml:"url"`

	// Extra HTTP headers sent on connect (API keys etc.).
	Headers map[string]string `yaml:"headers"`

	// Subscription filter sent once per open (ais-ws).
	BBox         []float64 `yaml:"bbox"`
	MessageTypes []string  `yaml:"message_types"`

	// SignalR-style hub parameters (ais-hub).
	Hub    string `yaml:"hub"`
	Method string `yaml:"method"`

	// Poll cadence (adsb). Zero means the adapter default.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoadFeeds parses and validates the feed catalog. An empty path yields an
// empty catalog; the process can run sink-only for DLQ drains and replays.
func LoadFeeds(path string) ([]FeedConfig, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feeds: read %s: %w", path, err)
	}
	var doc struct {
		Feeds []FeedConfig `yaml:"feeds"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("feeds: parse %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(doc.Feeds))
	for i := range doc.Feeds {
		f := &doc.Feeds[i]
		if err := validateFeed(f); err != nil {
			return nil, fmt.Errorf("feeds: entry %d: %w", i, err)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("feeds: duplicate feed name %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return doc.Feeds, nil
}

func validateFeed(f *FeedConfig) error {
	if f.Name == "" {
		return fmt.Errorf("feed name must not be empty")
	}
	switch f.Type {
	case FeedTypeAISWS, FeedTypeAISHub, FeedTypeADSB:
	default:
		return fmt.Errorf("feed %q: unknown type %q", f.Name, f.Type)
	}

	u, err := url.Parse(f.URL)
	if err != nil {
		return fmt.Errorf("feed %q: invalid url: %w", f.Name, err)
	}
	switch f.Type {
	case FeedTypeADSB:
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("feed %q: adsb url must be http(s), got %q", f.Name, u.Scheme)
		}
	default:
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("feed %q: url must be ws(s), got %q", f.Name, u.Scheme)
		}
	}

	for name, value := range f.Headers {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("feed %q: invalid header name %q", f.Name, name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("feed %q: invalid header value for %q", f.Name, name)
		}
	}

	if len(f.BBox) != 0 && len(f.BBox) != 4 {
		return fmt.Errorf("feed %q: bbox must have exactly 4 values, got %d", f.Name, len(f.BBox))
	}
	if f.Type == FeedTypeAISHub && f.Method == "" {
		return fmt.Errorf("feed %q: ais-hub feed requires a method name", f.Name)
	}
	if f.PollInterval < 0 {
		return fmt.Errorf("feed %q: poll_interval must not be negative", f.Name)
	}
	return nil
}

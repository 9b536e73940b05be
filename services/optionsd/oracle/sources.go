package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhboptions/native/options"
)

// Source fetches the latest sample for one price feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (options.PriceSample, error)
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HermesSource polls a Pyth Hermes endpoint for the parsed latest price of a
// single feed.
type HermesSource struct {
	client   HTTPDoer
	endpoint string
	feedID   [32]byte
}

// NewHermesSource builds a source for feedID served by endpoint.
func NewHermesSource(client HTTPDoer, endpoint string, feedID [32]byte) *HermesSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HermesSource{client: client, endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"), feedID: feedID}
}

// Name implements Source.
func (s *HermesSource) Name() string { return "hermes" }

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// Fetch implements Source.
func (s *HermesSource) Fetch(ctx context.Context) (options.PriceSample, error) {
	if s == nil || s.endpoint == "" {
		return options.PriceSample{}, fmt.Errorf("hermes source not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/v2/updates/price/latest", nil)
	if err != nil {
		return options.PriceSample{}, err
	}
	values := url.Values{}
	values.Set("ids[]", "0x"+hex.EncodeToString(s.feedID[:]))
	values.Set("parsed", "true")
	values.Set("encoding", "hex")
	req.URL.RawQuery = values.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return options.PriceSample{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return options.PriceSample{}, fmt.Errorf("hermes: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return options.PriceSample{}, fmt.Errorf("hermes: decode: %w", err)
	}
	want := hex.EncodeToString(s.feedID[:])
	for _, entry := range payload.Parsed {
		if strings.ToLower(strings.TrimPrefix(entry.ID, "0x")) != want {
			continue
		}
		price, err := strconv.ParseInt(strings.TrimSpace(entry.Price.Price), 10, 64)
		if err != nil {
			return options.PriceSample{}, fmt.Errorf("hermes: parse price %q: %w", entry.Price.Price, err)
		}
		return options.PriceSample{
			FeedID:      s.feedID,
			Price:       price,
			Expo:        entry.Price.Expo,
			PublishTime: entry.Price.PublishTime,
		}, nil
	}
	return options.PriceSample{}, fmt.Errorf("hermes: feed %s missing from response", want)
}

// StaticSource reports a fixed price stamped with the current time. It backs
// local development and tests.
type StaticSource struct {
	sample options.PriceSample
	now    func() time.Time
}

// NewStaticSource returns a source that always reports price × 10^expo.
func NewStaticSource(feedID [32]byte, price int64, expo int32) *StaticSource {
	return &StaticSource{
		sample: options.PriceSample{FeedID: feedID, Price: price, Expo: expo},
		now:    time.Now,
	}
}

// Name implements Source.
func (s *StaticSource) Name() string { return "static" }

// Fetch implements Source.
func (s *StaticSource) Fetch(ctx context.Context) (options.PriceSample, error) {
	if err := ctx.Err(); err != nil {
		return options.PriceSample{}, err
	}
	sample := s.sample
	sample.PublishTime = s.now().Unix()
	return sample, nil
}

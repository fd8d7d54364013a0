package oracle

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed fetches price data from a JSON quote endpoint. The endpoint is
// expected to answer GET <endpoint>?feed=<ref> with a payload of the form
// {"price":"123.45","decimals":8,"timestamp":1700000000}.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

// NewHTTPFeed constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewHTTPFeed(client HTTPDoer, endpoint, apiKey string) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{client: client, endpoint: strings.TrimSpace(endpoint), apiKey: strings.TrimSpace(apiKey)}
}

func (f *HTTPFeed) LatestReport(ref string) (Report, error) {
	if f == nil || f.endpoint == "" {
		return Report{}, fmt.Errorf("http feed not configured")
	}
	req, err := http.NewRequest(http.MethodGet, f.endpoint, nil)
	if err != nil {
		return Report{}, err
	}
	values := url.Values{}
	values.Set("feed", strings.TrimSpace(ref))
	req.URL.RawQuery = values.Encode()
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Report{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Report{}, fmt.Errorf("http feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Decimals  uint8  `json:"decimals"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Report{}, fmt.Errorf("http feed: decode: %w", err)
	}
	price := strings.TrimSpace(payload.Price)
	if price == "" {
		return Report{}, fmt.Errorf("http feed: empty price")
	}
	value, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return Report{}, fmt.Errorf("http feed: invalid price %q", payload.Price)
	}
	var ts time.Time
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0)
	}
	return Report{Value: value, Decimals: payload.Decimals, Timestamp: ts, Source: "http"}, nil
}

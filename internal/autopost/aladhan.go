package autopost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultBaseURL is the public al-adhan prayer times API.
const defaultBaseURL = "https://api.aladhan.com"

// Client fetches the daily prayer timing table for a city.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}
}

// Timings fetches today's timing table for city/country. Keys follow the
// API's naming (Fajr, Sunrise, Sunset, ...), values are local "HH:MM"
// strings in the requested timezone.
func (c *Client) Timings(ctx context.Context, city, country, timezone string) (map[string]string, error) {
	q := url.Values{}
	q.Set("city", city)
	q.Set("country", country)
	q.Set("method", "5")
	q.Set("shafaq", "general")
	q.Set("calendarMethod", "UAQ")
	if timezone != "" {
		q.Set("timezonestring", timezone)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/v1/timingsByCity?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Code int `json:"code"`
		Data struct {
			Timings map[string]string `json:"timings"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("timings response: %w", err)
	}
	if resp.StatusCode/100 != 2 || body.Code != 200 {
		return nil, fmt.Errorf("timings request failed: http=%d code=%d", resp.StatusCode, body.Code)
	}
	if len(body.Data.Timings) == 0 {
		return nil, errors.New("timings response is empty")
	}
	return body.Data.Timings, nil
}

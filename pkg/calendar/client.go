// Package calendar books events in the external scheduling service.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	BaseURL    string
	APIKey     string
	CalendarID string
	Timeout    time.Duration
}

// Client creates calendar events over the service's HTTP API. It satisfies
// the booking dialogue's calendar dependency.
type Client struct {
	baseURL    string
	apiKey     string
	calendarID string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("calendar base url is required")
	}
	if strings.TrimSpace(cfg.CalendarID) == "" {
		cfg.CalendarID = "primary"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		calendarID: cfg.CalendarID,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type eventRequest struct {
	Summary     string          `json:"summary"`
	Description string          `json:"description,omitempty"`
	Start       eventTime       `json:"start"`
	End         eventTime       `json:"end"`
	Attendees   []eventAttendee `json:"attendees,omitempty"`
}

type eventTime struct {
	DateTime string `json:"dateTime"`
}

type eventAttendee struct {
	Email string `json:"email"`
}

type eventResponse struct {
	ID string `json:"id"`
}

// CreateEvent books one event and returns the service's event id. Booking is
// deliberately not retried here: a double-created calendar event is worse
// than a spoken apology.
func (c *Client) CreateEvent(ctx context.Context, summary, description string, start, end time.Time, attendeeEmail string) (string, error) {
	reqBody := eventRequest{
		Summary:     summary,
		Description: description,
		Start:       eventTime{DateTime: start.Format(time.RFC3339)},
		End:         eventTime{DateTime: end.Format(time.RFC3339)},
	}
	if strings.TrimSpace(attendeeEmail) != "" {
		reqBody.Attendees = []eventAttendee{{Email: attendeeEmail}}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}

	url := fmt.Sprintf("%s/calendars/%s/events", c.baseURL, c.calendarID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read event response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create event failed (status %d): %s", resp.StatusCode, truncate(body, 200))
	}

	var out eventResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode event response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("event response missing id")
	}
	return out.ID, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n]
	}
	return s
}

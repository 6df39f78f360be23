package drawlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Drawline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Participant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Event mirrors the API event model with its four pools.
type Event struct {
	ID              string        `json:"id"`
	OrganizerID     string        `json:"organizer_id"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	MaxRegistration int           `json:"max_registration"`
	SelectNum       int           `json:"select_num"`
	StartAt         string        `json:"start_at,omitempty"`
	EndAt           string        `json:"end_at,omitempty"`
	Waiting         []Participant `json:"waiting"`
	Invited         []Participant `json:"invited"`
	Enrolled        []Participant `json:"enrolled"`
	Cancelled       []Participant `json:"cancelled"`
	Slots           int           `json:"slots"`
	Version         int64         `json:"version"`
}

type Notification struct {
	ID          int64   `json:"id"`
	EventID     string  `json:"event_id"`
	TargetID    string  `json:"target_id"`
	Message     string  `json:"message"`
	CreatedAt   string  `json:"created_at"`
	DeliveredAt *string `json:"delivered_at,omitempty"`
}

type LotteryResult struct {
	Event         Event          `json:"event"`
	Invited       []Participant  `json:"invited"`
	Notifications []Notification `json:"notifications"`
}

// EventInput is the body of CreateEvent. Nil numbers take the server
// defaults.
type EventInput struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	MaxRegistration *int   `json:"max_registration,omitempty"`
	SelectNum       *int   `json:"select_num,omitempty"`
	StartAt         string `json:"start_at,omitempty"`
	EndAt           string `json:"end_at,omitempty"`
}

// APIError wraps non-2xx responses. Code carries the server's error code,
// which for refused registrations is the rejection reason.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsRejected reports whether err is a refused registration with the given
// reason, e.g. "capacity_full".
func IsRejected(err error, reason string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict && ae.Code == reason
}

type PaginatedNotifications struct {
	Items      []Notification `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// CreateParticipant registers a profile. No credentials are needed.
func (c *Client) CreateParticipant(ctx context.Context, p Participant) (Participant, error) {
	var resp Participant
	err := c.do(ctx, http.MethodPost, "v0/participants", p, &resp)
	return resp, err
}

// DevLogin mints a bearer token on servers started with --dev-login and
// stores it on the client.
func (c *Client) DevLogin(ctx context.Context, participantID string, admin bool) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"participant_id": participantID, "admin": admin}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

func (c *Client) CreateEvent(ctx context.Context, in EventInput) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, "v0/events", in, &resp)
	return resp, err
}

func (c *Client) GetEvent(ctx context.Context, id string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, eventPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) Join(ctx context.Context, eventID string) (Event, error) {
	return c.transition(ctx, eventID, "join")
}

func (c *Client) Leave(ctx context.Context, eventID string) (Event, error) {
	return c.transition(ctx, eventID, "leave")
}

func (c *Client) Accept(ctx context.Context, eventID string) (Event, error) {
	return c.transition(ctx, eventID, "accept")
}

func (c *Client) Decline(ctx context.Context, eventID string) (Event, error) {
	return c.transition(ctx, eventID, "decline")
}

func (c *Client) Revoke(ctx context.Context, eventID, participantID string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, eventPath(eventID, "revoke"), map[string]string{"participant_id": participantID}, &resp)
	return resp, err
}

// RunLottery draws invitees. selectNum, when non-nil, replaces the event's
// target first.
func (c *Client) RunLottery(ctx context.Context, eventID string, selectNum *int, message string) (LotteryResult, error) {
	body := map[string]any{}
	if selectNum != nil {
		body["select_num"] = *selectNum
	}
	if message != "" {
		body["message"] = message
	}
	var resp LotteryResult
	err := c.do(ctx, http.MethodPost, eventPath(eventID, "lottery"), body, &resp)
	return resp, err
}

// Notify queues message for everyone in pool and returns how many were queued.
func (c *Client) Notify(ctx context.Context, eventID, pool, message string) (int, error) {
	var resp struct {
		Queued int `json:"queued"`
	}
	err := c.do(ctx, http.MethodPost, eventPath(eventID, "notify"), map[string]string{"pool": pool, "message": message}, &resp)
	return resp.Queued, err
}

// Notifications lists the caller's notifications, newest first.
func (c *Client) Notifications(ctx context.Context, eventID, cursor string, limit int) (PaginatedNotifications, error) {
	q := url.Values{}
	if eventID != "" {
		q.Set("event_id", eventID)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/notifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedNotifications
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, eventID, verb string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, eventPath(eventID, verb), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader = http.NoBody
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func eventPath(id, verb string) string {
	p := "v0/events/" + url.PathEscape(id)
	if verb != "" {
		p += "/" + verb
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package mustersdk

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

// Client is a minimal Muster HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Category struct {
	Name  string `json:"name"`
	Quota int    `json:"quota"`
}

type Responder struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Commitment struct {
	Category string `json:"category"`
	Quantity int    `json:"quantity"`
}

// Assignment is one responder's standing on a request.
type Assignment struct {
	RequestID     string       `json:"request_id"`
	ResponderID   string       `json:"responder_id"`
	ResponderName string       `json:"responder_name"`
	Decision      string       `json:"decision"`
	Commitments   []Commitment `json:"commitments,omitempty"`
	DecidedAt     string       `json:"decided_at,omitempty"`
	CreatedAt     string       `json:"created_at"`
}

type Request struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Categories  []Category   `json:"categories"`
	CreatedBy   string       `json:"created_by"`
	CreatedAt   string       `json:"created_at"`
	Assignments []Assignment `json:"assignments,omitempty"`
}

// CreateRequestInput is the body of CreateRequest. ID is generated by the
// server when empty.
type CreateRequestInput struct {
	ID          string      `json:"id,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Categories  []Category  `json:"categories"`
	Responders  []Responder `json:"responders,omitempty"`
}

type Contributor struct {
	ResponderID   string `json:"responder_id"`
	ResponderName string `json:"responder_name"`
	Quantity      int    `json:"quantity"`
}

type CategoryProgress struct {
	Name         string        `json:"name"`
	Required     int           `json:"required"`
	Committed    int           `json:"committed"`
	Remaining    int           `json:"remaining"`
	Contributors []Contributor `json:"contributors"`
}

type Progress struct {
	RequestID      string             `json:"request_id"`
	Categories     []CategoryProgress `json:"categories"`
	RequiredTotal  int                `json:"required_total"`
	CommittedTotal int                `json:"committed_total"`
	Fulfilled      bool               `json:"fulfilled"`
}

type CategoryAvailability struct {
	Name             string `json:"name"`
	Required         int    `json:"required"`
	ProvidedByOthers int    `json:"provided_by_others"`
	Remaining        int    `json:"remaining"`
}

type Availability struct {
	RequestID   string                 `json:"request_id"`
	ResponderID string                 `json:"responder_id"`
	Categories  []CategoryAvailability `json:"categories"`
}

// Remaining returns the open capacity of one category, or 0 if unknown.
func (a Availability) Remaining(category string) int {
	for _, c := range a.Categories {
		if c.Name == category {
			return c.Remaining
		}
	}
	return 0
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RequestID  string         `json:"request_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ValidationItem is one reason a commitment set was rejected.
type ValidationItem struct {
	Code      string `json:"code"`
	Category  string `json:"category,omitempty"`
	Quantity  *int   `json:"quantity,omitempty"`
	Requested *int   `json:"requested,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
	Message   string `json:"message"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Errors     []ValidationItem
	Retryable  bool
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsRetryable reports whether err is a rejection caused only by capacity
// taken in the meantime.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

// CreateRequest creates a request.
func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", in, &resp)
	return resp, err
}

// GetRequest fetches a request with its assignments.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, requestPath(id, ""), nil, &resp)
	return resp, err
}

// ListRequests returns every live request.
func (c *Client) ListRequests(ctx context.Context) ([]Request, error) {
	var resp struct {
		Items []Request `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "requests", nil, &resp)
	return resp.Items, err
}

// UpdateQuotas replaces the category table of a request.
func (c *Client) UpdateQuotas(ctx context.Context, id string, categories []Category) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPatch, requestPath(id, "categories"), map[string]any{"categories": categories}, &resp)
	return resp, err
}

func (c *Client) DeleteRequest(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, requestPath(id, ""), nil, nil)
}

// AssignResponders adds responders and returns every assignment of the request.
func (c *Client) AssignResponders(ctx context.Context, id string, responders ...Responder) ([]Assignment, error) {
	var resp struct {
		Items []Assignment `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, requestPath(id, "responders"), map[string]any{"responders": responders}, &resp)
	return resp.Items, err
}

func (c *Client) Assignments(ctx context.Context, id string) ([]Assignment, error) {
	var resp struct {
		Items []Assignment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, requestPath(id, "assignments"), nil, &resp)
	return resp.Items, err
}

// Progress returns committed versus required capacity.
func (c *Client) Progress(ctx context.Context, id string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, requestPath(id, "progress"), nil, &resp)
	return resp, err
}

// Availability returns what is still open to responderID.
func (c *Client) Availability(ctx context.Context, id, responderID string) (Availability, error) {
	var resp Availability
	endpoint := requestPath(id, "responders/"+url.PathEscape(responderID)+"/availability")
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Accept records an acceptance with the given per-category commitments.
func (c *Client) Accept(ctx context.Context, id, responderID string, commitments map[string]int) (Assignment, error) {
	return c.Decide(ctx, id, responderID, "accepted", commitments)
}

func (c *Client) Decline(ctx context.Context, id, responderID string) (Assignment, error) {
	return c.Decide(ctx, id, responderID, "declined", nil)
}

// Decide records a decision. A rejected commitment set returns *APIError with
// every validation item.
func (c *Client) Decide(ctx context.Context, id, responderID, decision string, commitments map[string]int) (Assignment, error) {
	body := map[string]any{"decision": decision}
	if len(commitments) > 0 {
		body["commitments"] = commitments
	}
	var resp struct {
		Assignment Assignment `json:"assignment"`
	}
	endpoint := requestPath(id, "responders/"+url.PathEscape(responderID)+"/decision")
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Assignment, err
}

// Events returns recent events of a request.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, id, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := requestPath(id, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details struct {
				Errors    json.RawMessage `json:"errors"`
				Retryable bool            `json:"retryable"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return apiErr
	}
	apiErr.Code = env.Error.Code
	apiErr.Message = env.Error.Message
	apiErr.Retryable = env.Error.Details.Retryable
	if env.Error.Code == "validation_failed" && len(env.Error.Details.Errors) > 0 {
		_ = json.Unmarshal(env.Error.Details.Errors, &apiErr.Errors)
	}
	return apiErr
}

func requestPath(id, sub string) string {
	p := "requests/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}

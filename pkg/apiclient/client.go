package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTimeout bounds every outgoing request. A timed-out request is a
// transient failure.
const DefaultTimeout = 15 * time.Second

// Client talks to the host application's HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL string) *Client {
	return NewClientWithTimeout(baseURL, DefaultTimeout)
}

// NewClientWithTimeout creates a client with a custom request timeout
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// LoginResult is the response to a successful login
type LoginResult struct {
	AccessToken string          `json:"accessToken"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	UserID      string          `json:"userId"`
	User        json.RawMessage `json:"user"`
}

// RefreshResult is the response to a successful token refresh
type RefreshResult struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// VerifyResult reports whether a token is still valid server-side
type VerifyResult struct {
	Valid          bool    `json:"valid"`
	ExpiresInHours float64 `json:"expiresInHours"`
}

// Login authenticates and returns a fresh token. If the server omits
// expiresAt, the JWT exp claim is used instead.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}

	var result LoginResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", "", body, &result); err != nil {
		return nil, err
	}
	if result.ExpiresAt.IsZero() {
		result.ExpiresAt = tokenExpiry(result.AccessToken)
	}
	return &result, nil
}

// Refresh exchanges the current token for a fresh one
func (c *Client) Refresh(ctx context.Context, token string) (*RefreshResult, error) {
	var result RefreshResult
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", token, "", nil, &result); err != nil {
		return nil, err
	}
	if result.ExpiresAt.IsZero() {
		result.ExpiresAt = tokenExpiry(result.AccessToken)
	}
	return &result, nil
}

// Verify checks token validity with the server
func (c *Client) Verify(ctx context.Context, token string) (*VerifyResult, error) {
	var result VerifyResult
	if err := c.do(ctx, http.MethodGet, "/auth/verify", token, "", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Submit delivers a pending action and returns the canonical entity
// payload from the server. The action's ID is sent as the idempotency
// key so a retransmission of an already-applied action is deduplicated.
func (c *Client) Submit(ctx context.Context, token string, action *types.PendingAction) (json.RawMessage, error) {
	method, path := actionRoute(action)

	var canonical json.RawMessage
	if err := c.do(ctx, method, path, token, action.ActionID, action.Payload, &canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}

// Fetch retrieves the canonical payload for a single entity
func (c *Client) Fetch(ctx context.Context, token, entityType, entityID string) (json.RawMessage, error) {
	var payload json.RawMessage
	path := fmt.Sprintf("/%s/%s", entityType, entityID)
	if err := c.do(ctx, http.MethodGet, path, token, "", nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// actionRoute maps an action to its endpoint
func actionRoute(action *types.PendingAction) (method, path string) {
	switch action.Type {
	case types.ActionCreate:
		return http.MethodPost, "/" + action.TargetType
	case types.ActionUpdate:
		return http.MethodPut, fmt.Sprintf("/%s/%s", action.TargetType, action.TargetID)
	case types.ActionDelete:
		return http.MethodDelete, fmt.Sprintf("/%s/%s", action.TargetType, action.TargetID)
	case types.ActionLike:
		return http.MethodPost, fmt.Sprintf("/%s/%s/like", action.TargetType, action.TargetID)
	case types.ActionComment:
		return http.MethodPost, fmt.Sprintf("/%s/%s/comments", action.TargetType, action.TargetID)
	default:
		return http.MethodPost, "/" + action.TargetType
	}
}

func (c *Client) do(ctx context.Context, method, path, token, idempotencyKey string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: serverMessage(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// serverMessage extracts a structured error message, falling back to the
// raw body.
func serverMessage(data []byte) string {
	var structured struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &structured); err == nil {
		if structured.Error != "" {
			return structured.Error
		}
		if structured.Message != "" {
			return structured.Message
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// tokenExpiry extracts the exp claim from a JWT without verifying the
// signature; only the server can vouch for the token, the client just
// needs the deadline for refresh scheduling.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Classify buckets a request error for retry policy: transport errors,
// timeouts, and 5xx are transient; 401 destroys the session; any other
// 4xx is a permanent rejection.
func Classify(err error) types.FailureClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized:
			return types.FailureAuthRejected
		case apiErr.StatusCode >= 500:
			return types.FailureTransient
		default:
			return types.FailurePermanent
		}
	}
	// Timeouts, refused connections, DNS failures
	return types.FailureTransient
}

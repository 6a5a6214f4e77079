package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/star-ga/clawshake/pkg/httpx"
	"github.com/star-ga/clawshake/pkg/models"
)

// Client is the agent-facing SDK over the gateway API. Principal is sent as
// the caller identity on every request.
type Client struct {
	BaseURL   string
	Principal string
	HTTP      *httpx.Client
}

const PrincipalHeader = "X-Shake-Principal"

func NewClient(baseURL, principal string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	header := http.Header{}
	if principal != "" {
		header.Set(PrincipalHeader, principal)
	}
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		Principal: principal,
		HTTP: &httpx.Client{
			HTTP:    &http.Client{Timeout: timeout},
			Retries: 2,
			Backoff: 200 * time.Millisecond,
			Header:  header,
		},
	}
}

type CreateShakeRequest struct {
	Amount          uint64 `json:"amount"`
	DeadlineSeconds int64  `json:"deadline_seconds"`
	TaskFingerprint []byte `json:"task_fingerprint"`
	PubKeyHash      []byte `json:"pubkey_hash,omitempty"`
}

type DeliverRequest struct {
	DeliveryFingerprint []byte `json:"delivery_fingerprint"`
	EncryptedKey        []byte `json:"encrypted_key,omitempty"`
}

type CreateChildRequest struct {
	Amount          uint64 `json:"amount"`
	DeadlineSeconds int64  `json:"deadline_seconds"`
	TaskFingerprint []byte `json:"task_fingerprint"`
}

type ResolveRequest struct {
	WorkerWins bool `json:"worker_wins"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error is a non-2xx gateway reply carrying the engine's stable code.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %d: %s", e.Status, e.Message)
}

func (c *Client) CreateShake(ctx context.Context, req CreateShakeRequest) (models.Shake, error) {
	return c.postShake(ctx, "/v1/shakes", req)
}

func (c *Client) AcceptShake(ctx context.Context, id uint64) (models.Shake, error) {
	return c.postShake(ctx, fmt.Sprintf("/v1/shakes/%d/accept", id), nil)
}

func (c *Client) DeliverShake(ctx context.Context, id uint64, req DeliverRequest) (models.Shake, error) {
	return c.postShake(ctx, fmt.Sprintf("/v1/shakes/%d/deliver", id), req)
}

func (c *Client) CreateChildShake(ctx context.Context, parentID uint64, req CreateChildRequest) (models.Shake, error) {
	return c.postShake(ctx, fmt.Sprintf("/v1/shakes/%d/children", parentID), req)
}

func (c *Client) DisputeShake(ctx context.Context, id uint64) (models.Shake, error) {
	return c.postShake(ctx, fmt.Sprintf("/v1/shakes/%d/dispute", id), nil)
}

func (c *Client) ReleaseShake(ctx context.Context, id uint64) (models.Shake, error) {
	return c.postShake(ctx, fmt.Sprintf("/v1/shakes/%d/release", id), nil)
}

func (c *Client) ResolveDispute(ctx context.Context, id uint64, workerWins bool) (models.Shake, error) {
	return c.postShake(ctx, fmt.Sprintf("/v1/shakes/%d/resolve", id), ResolveRequest{WorkerWins: workerWins})
}

func (c *Client) RefundShake(ctx context.Context, id uint64) (models.Shake, error) {
	return c.postShake(ctx, fmt.Sprintf("/v1/shakes/%d/refund", id), nil)
}

func (c *Client) GetShake(ctx context.Context, id uint64) (models.Shake, error) {
	var out models.Shake
	err := c.get(ctx, fmt.Sprintf("/v1/shakes/%d", id), &out)
	return out, err
}

func (c *Client) Subtree(ctx context.Context, id uint64) (models.SubtreeView, error) {
	var out models.SubtreeView
	err := c.get(ctx, fmt.Sprintf("/v1/shakes/%d/subtree", id), &out)
	return out, err
}

func (c *Client) ListShakes(ctx context.Context, status string, limit int) ([]models.Shake, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/shakes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var wrapper struct {
		Items []models.Shake `json:"items"`
	}
	if err := c.get(ctx, path, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Items, nil
}

func (c *Client) postShake(ctx context.Context, path string, req interface{}) (models.Shake, error) {
	status, respBody, err := c.HTTP.DoJSON(ctx, http.MethodPost, c.BaseURL+path, req)
	if err != nil {
		return models.Shake{}, err
	}
	if status < 200 || status >= 300 {
		return models.Shake{}, decodeError(status, respBody)
	}
	var out models.Shake
	if err := json.Unmarshal(respBody, &out); err != nil {
		return models.Shake{}, fmt.Errorf("decode shake: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	status, respBody, err := c.HTTP.DoJSON(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return decodeError(status, respBody)
	}
	return json.Unmarshal(respBody, out)
}

func decodeError(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	if apiErr.Error == "" {
		apiErr.Error = strings.TrimSpace(string(body))
	}
	return &Error{Status: status, Code: apiErr.Code, Message: apiErr.Error}
}

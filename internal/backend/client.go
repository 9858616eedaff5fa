// Package backend talks to the managed data service over its PostgREST API.
package backend

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

	"github.com/MarcoPoloResearchLab/ledger/internal/offline"
	"go.uber.org/zap"
)

const (
	restPrefix        = "/rest/v1/"
	defaultTimeout    = 15 * time.Second
	maxErrorBodyBytes = 64 << 10
)

var (
	// ErrInvalidBaseURL indicates a missing or non-http base URL.
	ErrInvalidBaseURL = errors.New("backend: invalid base url")
	// ErrMissingRecordID indicates an update or delete without a target id.
	ErrMissingRecordID = errors.New("backend: record id is required")
)

// Error is a non-2xx response from the data service.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend: status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Message)
}

// Config describes a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the backend collaborator the offline core applies writes through.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ offline.Backend = (*Client)(nil)
var _ offline.Pinger = (*Client)(nil)

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    parsed,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type accessTokenKey struct{}

// WithAccessToken attaches the caller's session token to ctx. Requests made
// with ctx authenticate as that user instead of with the service key.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

func accessToken(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	return token
}

func (c *Client) Insert(ctx context.Context, table string, data offline.Record) error {
	return c.write(ctx, http.MethodPost, table, "", data)
}

func (c *Client) Update(ctx context.Context, table, id string, data offline.Record) error {
	if strings.TrimSpace(id) == "" {
		return ErrMissingRecordID
	}
	return c.write(ctx, http.MethodPatch, table, id, data)
}

func (c *Client) Delete(ctx context.Context, table, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrMissingRecordID
	}
	return c.write(ctx, http.MethodDelete, table, id, nil)
}

// Select returns every row of table visible to the caller.
func (c *Client) Select(ctx context.Context, table string) ([]offline.Record, error) {
	query := url.Values{}
	query.Set("select", "*")
	request, err := c.newRequest(ctx, http.MethodGet, c.tableURL(table, query), nil)
	if err != nil {
		return nil, err
	}
	response, err := c.do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	decoder := json.NewDecoder(response.Body)
	decoder.UseNumber()
	rows := []offline.Record{}
	if err := decoder.Decode(&rows); err != nil {
		return nil, fmt.Errorf("backend: decode %s rows: %w", table, err)
	}
	return rows, nil
}

// Ping reports whether the service answers at all. Client errors count as
// reachable; server errors and transport failures do not.
func (c *Client) Ping(ctx context.Context) error {
	request, err := c.newRequest(ctx, http.MethodGet, c.baseURL.String()+restPrefix, nil)
	if err != nil {
		return err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("backend: ping: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxErrorBodyBytes))
	if response.StatusCode >= http.StatusInternalServerError {
		return &Error{Status: response.StatusCode, Message: http.StatusText(response.StatusCode)}
	}
	return nil
}

func (c *Client) write(ctx context.Context, method, table, id string, data offline.Record) error {
	var target string
	if id == "" {
		target = c.tableURL(table, nil)
	} else {
		query := url.Values{}
		query.Set("id", "eq."+id)
		target = c.tableURL(table, query)
	}
	var body io.Reader
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("backend: encode %s payload: %w", table, err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := c.newRequest(ctx, method, target, body)
	if err != nil {
		return err
	}
	request.Header.Set("Prefer", "return=minimal")
	response, err := c.do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxErrorBodyBytes))
	return nil
}

func (c *Client) tableURL(table string, query url.Values) string {
	target := c.baseURL.String() + restPrefix + url.PathEscape(table)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		request.Header.Set("apikey", c.apiKey)
	}
	token := accessToken(ctx)
	if token == "" {
		token = c.apiKey
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return request, nil
}

// do sends request and converts non-2xx responses into *Error. On success the
// caller owns the response body.
func (c *Client) do(request *http.Request) (*http.Response, error) {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("backend: %s %s: %w", request.Method, request.URL.Path, err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return response, nil
	}
	defer response.Body.Close()
	apiErr := decodeError(response)
	c.logger.Debug("backend request rejected",
		zap.String("method", request.Method),
		zap.String("path", request.URL.Path),
		zap.Int("status", apiErr.Status),
		zap.String("code", apiErr.Code))
	return nil, apiErr
}

func decodeError(response *http.Response) *Error {
	apiErr := &Error{Status: response.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && (payload.Code != "" || payload.Message != "") {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
		if payload.Details != "" {
			apiErr.Message += ": " + payload.Details
		}
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(response.StatusCode)
	}
	return apiErr
}

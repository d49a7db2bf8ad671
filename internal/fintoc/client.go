package fintoc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"github.com/dvloznov/movements-ledger/internal/logger"
	"github.com/shopspring/decimal"
)

const (
	// DefaultBaseURL is the Fintoc REST API root.
	DefaultBaseURL = "https://api.fintoc.com/v1"

	// pageSize is the per_page value requested for movement listings.
	pageSize = 300

	maxErrorBody = 2000

	// maxResponseBody caps how much of a single response is read.
	maxResponseBody = 10 << 20
)

// Client talks to the Fintoc API with a secret key.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root (used by tests).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a Fintoc client. An empty secret key is a configuration error.
func NewClient(secretKey string, opts ...Option) (*Client, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("NewClient: fintoc secret key: %w", domain.ErrConfigMissing)
	}

	c := &Client{
		baseURL:    DefaultBaseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is returned when Fintoc answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fintoc: status %d: %s", e.StatusCode, e.Body)
}

type accountJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	Currency string `json:"currency"`
	Type     string `json:"type"`
}

type movementJSON struct {
	ID          string          `json:"id"`
	Description *string         `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	PostDate    *string         `json:"post_date"`
}

// ListAccounts returns the accounts reachable under a link token.
func (c *Client) ListAccounts(ctx context.Context, linkToken string) ([]domain.Account, error) {
	endpoint := fmt.Sprintf("%s/links/%s/accounts", c.baseURL, url.PathEscape(linkToken))

	var raw []accountJSON
	if _, err := c.getJSON(ctx, endpoint, &raw); err != nil {
		return nil, fmt.Errorf("ListAccounts: %w", err)
	}

	accounts := make([]domain.Account, 0, len(raw))
	for _, a := range raw {
		accounts = append(accounts, domain.Account{
			ID:       a.ID,
			Name:     a.Name,
			Number:   a.Number,
			Currency: a.Currency,
			Type:     a.Type,
		})
	}
	return accounts, nil
}

// ListMovements returns every movement of an account, following pagination.
func (c *Client) ListMovements(ctx context.Context, linkToken, accountID string) ([]domain.RawMovement, error) {
	endpoint := fmt.Sprintf("%s/links/%s/accounts/%s/movements?per_page=%d",
		c.baseURL, url.PathEscape(linkToken), url.PathEscape(accountID), pageSize)

	var movements []domain.RawMovement
	seen := make(map[string]struct{})
	for endpoint != "" {
		if _, ok := seen[endpoint]; ok {
			log := logger.FromContext(ctx)
			log.Warn().Str("account_id", accountID).Str("url", endpoint).Msg("Pagination repeated a page, stopping")
			break
		}
		seen[endpoint] = struct{}{}

		var page []movementJSON
		header, err := c.getJSON(ctx, endpoint, &page)
		if err != nil {
			return nil, fmt.Errorf("ListMovements: account %s: %w", accountID, err)
		}

		for _, m := range page {
			movements = append(movements, toRawMovement(m))
		}
		endpoint = nextPageURL(header.Get("Link"))
	}

	return movements, nil
}

// CreateLinkIntent asks Fintoc for a widget token that opens the bank-link widget.
// Fintoc calls webhookURL with the resulting link token.
func (c *Client) CreateLinkIntent(ctx context.Context, webhookURL string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"product":     "movements",
		"country":     "cl",
		"holder_type": "individual",
		"webhook_url": webhookURL,
	})
	if err != nil {
		return "", fmt.Errorf("CreateLinkIntent: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/link_intents", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("CreateLinkIntent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		ID          string `json:"id"`
		WidgetToken string `json:"widget_token"`
	}
	if _, err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("CreateLinkIntent: %w", err)
	}
	if out.WidgetToken == "" {
		return "", fmt.Errorf("CreateLinkIntent: %w: response without widget_token", domain.ErrSourceUnavailable)
	}
	return out.WidgetToken, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) (http.Header, error) {
	req.Header.Set("Authorization", c.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", domain.ErrSourceUnavailable, err)
	}
	if len(body) > maxResponseBody {
		return nil, fmt.Errorf("%w: response body exceeds %d bytes", domain.ErrSourceUnavailable, maxResponseBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, &APIError{StatusCode: resp.StatusCode, Body: msg})
	}

	if len(bytes.TrimSpace(body)) == 0 || string(bytes.TrimSpace(body)) == "null" {
		return resp.Header, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", domain.ErrSourceUnavailable, err)
	}
	return resp.Header, nil
}

func toRawMovement(m movementJSON) domain.RawMovement {
	raw := domain.RawMovement{
		ExternalID: m.ID,
		Amount:     m.Amount,
	}
	if m.Description != nil {
		raw.Description = *m.Description
	}
	if m.PostDate != nil {
		if t, ok := parsePostDate(*m.PostDate); ok {
			raw.PostedAt = &t
		}
	}
	return raw
}

// parsePostDate keeps the calendar date written by Fintoc ("2024-03-01T00:00:00Z"
// or "2024-03-01"), without shifting it through a time zone.
func parsePostDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len("2006-01-02") {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", s[:10])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// nextPageURL extracts the rel="next" target of an RFC 8288 Link header.
func nextPageURL(linkHeader string) string {
	for _, part := range strings.Split(linkHeader, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range segments[1:] {
			param = strings.TrimSpace(param)
			if param == `rel="next"` || param == "rel=next" {
				return strings.Trim(target, "<>")
			}
		}
	}
	return ""
}

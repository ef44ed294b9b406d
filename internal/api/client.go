package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/tokenmarket/internal/version"
)

// Client calls the exchange HTTP API on behalf of one holder. The holder id
// is sent as X-Holder-ID; an empty id limits the client to public routes.
type Client struct {
	baseURL   string
	holderID  string
	userAgent string
	payment   string // payment collaborator token, sent on funds movements

	httpClient *http.Client
	logger     *slog.Logger
	retry      RetryPolicy
}

// RetryPolicy controls retries of idempotent reads. Writes are sent once.
type RetryPolicy struct {
	Attempts  int           // retries after the first try
	BaseDelay time.Duration // doubled after each retry, jittered ±50%
	MaxDelay  time.Duration // zero means uncapped
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Option configures a Client.
type Option func(*Client)

// NewClient creates a client for the exchange at baseURL acting as holderID.
func NewClient(baseURL, holderID string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		holderID:   holderID,
		userAgent:  "exchangectl/" + version.Version,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		retry:      DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Holder returns the holder the client acts as.
func (c *Client) Holder() string {
	return c.holderID
}

// As returns a client acting as another holder. Transport, logger and retry
// policy are shared with c.
func (c *Client) As(holderID string) *Client {
	cp := *c
	cp.holderID = holderID
	return &cp
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetryPolicy replaces the read retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPaymentToken sets the payment collaborator token required by
// Deposit and Withdraw.
func WithPaymentToken(token string) Option {
	return func(c *Client) { c.payment = token }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"feedmux/internal/domain"
	"feedmux/internal/infra"
)

// Market is one entry of GET /v1/market/all.
type Market struct {
	Market      string `json:"market"`
	KoreanName  string `json:"korean_name"`
	EnglishName string `json:"english_name"`
}

// Account is one entry of GET /v1/accounts.
type Account struct {
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Locked       decimal.Decimal `json:"locked"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price"`
	UnitCurrency string          `json:"unit_currency"`
}

// RestClient is the REST collaborator sharing the process rate budget with
// the websocket sender.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    domain.RateLimiter
	tokens     domain.TokenSource
	logger     *slog.Logger
}

// NewRestClient creates a client. tokens may be nil when only public
// endpoints are used.
func NewRestClient(baseURL string, limiter domain.RateLimiter, tokens domain.TokenSource, logger *slog.Logger) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: limiter,
		tokens:  tokens,
		logger:  infra.OrDefault(logger).With("module", "upbit_rest"),
	}
}

// GetMarkets lists tradable markets.
func (c *RestClient) GetMarkets(ctx context.Context) ([]Market, error) {
	var out []Market
	if err := c.get(ctx, domain.CategoryPublicREST, "/v1/market/all", url.Values{"isDetails": {"false"}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Symbols returns every market code. It satisfies the manager's symbol catalog.
func (c *RestClient) Symbols(ctx context.Context) ([]string, error) {
	markets, err := c.GetMarkets(ctx)
	if err != nil {
		return nil, err
	}
	codes := make([]string, len(markets))
	for i, m := range markets {
		codes[i] = m.Market
	}
	return codes, nil
}

// GetAccounts lists balances. It needs a token source.
func (c *RestClient) GetAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	if err := c.get(ctx, domain.CategoryPrivateREST, "/v1/accounts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RestClient) get(ctx context.Context, cat domain.RateCategory, path string, query url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, cat, 1); err != nil {
			return err
		}
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, query, cat == domain.CategoryPrivateREST)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if c.limiter != nil {
			c.limiter.ReportLimitHit(cat)
		}
		c.logger.Warn("Upbit REST rate limited", slog.String("path", path))
		return &domain.RateLimitExceededError{Category: cat, Detail: path}
	case resp.StatusCode == http.StatusUnauthorized:
		return &domain.AuthenticationError{Err: fmt.Errorf("upbit api status=%d body=%s", resp.StatusCode, string(body))}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("upbit api error: status=%d body=%s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// doRequest handles auth headers and query encoding
func (c *RestClient) doRequest(ctx context.Context, method, path string, query url.Values, private bool) (*http.Response, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", infra.DefaultUserAgent)

	if private {
		if c.tokens == nil {
			return nil, &domain.AuthenticationError{Err: domain.ErrNoToken}
		}
		token, ok := c.tokens.CurrentToken()
		if !ok {
			if err := c.tokens.ForceRefresh(ctx); err != nil {
				return nil, err
			}
			if token, ok = c.tokens.CurrentToken(); !ok {
				return nil, &domain.AuthenticationError{Err: domain.ErrNoToken}
			}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("request", err)
	}
	return resp, nil
}

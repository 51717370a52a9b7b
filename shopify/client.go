package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const defaultApiVersion = "2024-10"

var (
	ErrThrottled   = errors.New("shopify api throttled")
	ErrCircuitOpen = errors.New("shopify api circuit open")
)

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// Client talks to one shop's Admin GraphQL API. A Client is meant to live for one request or
// one reconciliation pass: its inventory item loader memoizes lookups for that lifetime only.
type Client struct {
	shop     string
	endpoint string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker

	itemLoader *dataloader.Loader[string, InventoryItem]
}

type ClientOptions struct {
	// BaseURL overrides https://{shop}; used by tests.
	BaseURL    string
	ApiVersion string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Breaker    *gobreaker.CircuitBreaker
}

func NewClient(shop string, accessToken string, opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(shop) == "" {
		return nil, errors.New("shop is empty")
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("shopify access token is empty")
	}
	if err := validateDocuments(); err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://" + shop
	}
	version := opts.ApiVersion
	if version == "" {
		version = strings.TrimSpace(os.Getenv("SHOPIFY_API_VERSION"))
	}
	if version == "" {
		version = defaultApiVersion
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	c := &Client{
		shop:     shop,
		endpoint: fmt.Sprintf("%s/admin/api/%s/graphql.json", baseURL, version),
		token:    accessToken,
		http:     httpClient,
		limiter:  limiter,
		breaker:  opts.Breaker,
	}
	c.itemLoader = dataloader.NewBatchedLoader(c.batchInventoryItems,
		dataloader.WithWait[string, InventoryItem](time.Millisecond),
		dataloader.WithBatchCapacity[string, InventoryItem](maxNodesPerQuery),
	)
	return c, nil
}

func (c *Client) Shop() string {
	return c.shop
}

// do runs one GraphQL operation and decodes its data into out.
func (c *Client) do(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	if c.breaker == nil {
		return c.send(ctx, query, variables, out)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.send(ctx, query, variables, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w for %s", ErrCircuitOpen, c.shop)
	}
	return err
}

func (c *Client) send(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("X-Shopify-Access-Token", c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrThrottled
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("shopify api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed graphqlResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return err
	}
	if len(parsed.Errors) > 0 {
		for _, e := range parsed.Errors {
			if e.Extensions.Code == "THROTTLED" {
				return ErrThrottled
			}
		}
		msgs := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("shopify graphql error: %s", strings.Join(msgs, "; "))
	}
	if out == nil || len(parsed.Data) == 0 {
		return nil
	}
	return json.Unmarshal(parsed.Data, out)
}

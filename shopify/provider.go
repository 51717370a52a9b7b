package shopify

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSecond = 2.0
	defaultRateBurst     = 4

	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 30 * time.Second
	breakerInterval            = time.Minute
)

type SessionSource interface {
	GetSession(ctx context.Context, shop string) (*models.Session, error)
}

type shopGuards struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Provider builds request-scoped Clients. The rate limiter and circuit breaker of a shop
// outlive the clients so that every request of the shop shares one budget.
type Provider struct {
	sessions   SessionSource
	httpClient *http.Client
	baseURL    string
	apiVersion string
	ratePerSec rate.Limit
	burst      int

	guards sync.Map // shop -> *shopGuards
}

type ProviderOptions struct {
	HTTPClient *http.Client
	// BaseURL points every shop at one host; used by tests.
	BaseURL    string
	ApiVersion string
}

func NewProvider(sessions SessionSource, opts ProviderOptions) *Provider {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		sessions:   sessions,
		httpClient: httpClient,
		baseURL:    opts.BaseURL,
		apiVersion: opts.ApiVersion,
		ratePerSec: rate.Limit(ratePerSecondFromEnv()),
		burst:      defaultRateBurst,
	}
}

func ratePerSecondFromEnv() float64 {
	raw := strings.TrimSpace(os.Getenv("SHOPIFY_RATE_LIMIT_PER_SEC"))
	if raw == "" {
		return defaultRatePerSecond
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return defaultRatePerSecond
	}
	return v
}

func (p *Provider) guardsFor(shop string) *shopGuards {
	if g, ok := p.guards.Load(shop); ok {
		return g.(*shopGuards)
	}
	g := &shopGuards{
		limiter: rate.NewLimiter(p.ratePerSec, p.burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "shopify:" + shop,
			Interval: breakerInterval,
			Timeout:  breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerConsecutiveFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				config.GetLogger().WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("circuit breaker state changed")
			},
		}),
	}
	actual, _ := p.guards.LoadOrStore(shop, g)
	return actual.(*shopGuards)
}

// ForShop returns a fresh Client for shop using its stored offline session.
func (p *Provider) ForShop(ctx context.Context, shop string) (*Client, error) {
	session, err := p.sessions.GetSession(ctx, shop)
	if err != nil {
		return nil, fmt.Errorf("load session for %s: %w", shop, err)
	}
	g := p.guardsFor(shop)
	return NewClient(shop, session.AccessToken, ClientOptions{
		BaseURL:    p.baseURL,
		ApiVersion: p.apiVersion,
		HTTPClient: p.httpClient,
		Limiter:    g.limiter,
		Breaker:    g.breaker,
	})
}

package pricefeed

// client.go: base HTTP compartida por todas las fuentes de precio.
//
// Cada fuente tiene su propio rate limiter y circuit breaker. Una llamada
// nunca devuelve error: cualquier fallo (timeout, HTTP, payload inválido,
// breaker abierto) se convierte en una muestra con OK=false.
//
// El breaker es por fuente, no por activo, así que solo cuentan los fallos
// del proveedor (transporte, timeout, 5xx, 429). Un 4xx o un payload sin
// precio dependen del activo pedido y no abren el breaker.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout         = 2500 * time.Millisecond
	defaultRatePerSec      = 5
	defaultBurst           = 2
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
	maxBodyBytes           = 1 << 20
)

// Options configura una fuente. Los valores cero usan los defaults.
type Options struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	RatePerSec      float64
	Burst           int
	BreakerFailures uint32        // fallos consecutivos que abren el breaker
	BreakerCooldown time.Duration // tiempo abierto antes de probar de nuevo
	HTTPClient      *http.Client
}

// assetError es un fallo atribuible al activo pedido y no al proveedor.
type assetError struct{ err error }

func (e *assetError) Error() string { return e.err.Error() }
func (e *assetError) Unwrap() error { return e.err }

// decodeFunc extrae el precio del body de una respuesta 2xx.
type decodeFunc func(body []byte) (float64, error)

// source es el cliente HTTP base embebido por cada proveedor.
type source struct {
	name    string
	base    string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func newSource(name, defaultBase string, opts Options) *source {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = defaultRatePerSec
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = defaultBreakerFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var ae *assetError
			return err == nil || errors.As(err, &ae)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("price source breaker", "source", name, "from", from.String(), "to", to.String())
		},
	})

	return &source{
		name:    name,
		base:    opts.BaseURL,
		timeout: opts.Timeout,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		breaker: breaker,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Name devuelve el identificador de la fuente.
func (s *source) Name() string { return s.name }

// get hace un GET acotado por timeout, rate limiter y breaker, y decodifica el precio.
func (s *source) get(ctx context.Context, url string, headers map[string]string, decode decodeFunc) domain.PriceSample {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return s.failed(fmt.Errorf("rate limiter: %w", err))
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.do(ctx, url, headers, decode)
	})
	if err != nil {
		return s.failed(err)
	}

	price := out.(float64)
	return domain.OKSample(s.name, price, s.now())
}

func (s *source) do(ctx context.Context, url string, headers map[string]string, decode decodeFunc) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		err := fmt.Errorf("http %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return 0, err
		}
		return 0, &assetError{err}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}
	price, err := decode(body)
	if err != nil {
		return 0, &assetError{fmt.Errorf("decode: %w", err)}
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, &assetError{fmt.Errorf("invalid price %v", price)}
	}
	return price, nil
}

func (s *source) failed(err error) domain.PriceSample {
	reason := err.Error()
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		reason = "circuit open"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	}
	slog.Debug("price source failed", "source", s.name, "reason", reason)
	return domain.FailedSample(s.name, s.now(), fmt.Sprintf("%s: %s", domain.ErrSourceUnavailable, reason))
}

package pricefeed_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/overunder/internal/adapters/pricefeed"
	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btc = domain.AssetKey{ID: "bitcoin"}

// --- helpers ---

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("../../../testdata/fixtures/" + name)
	require.NoError(t, err)
	return data
}

func serveJSON(t *testing.T, body []byte, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func requireOK(t *testing.T, s domain.PriceSample, source string, want float64) {
	t.Helper()
	require.True(t, s.OK, "sample failed: %s", s.Err)
	require.NotNil(t, s.Price)
	assert.Equal(t, source, s.Source)
	assert.InDelta(t, want, *s.Price, 1e-9)
	assert.False(t, s.ObservedAt.IsZero())
}

// --- per source ---

func TestCoinGecko_Fetch(t *testing.T) {
	srv := serveJSON(t, fixture(t, "coingecko_simple_price.json"), func(r *http.Request) {
		assert.Equal(t, "/api/v3/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		assert.Equal(t, "demo-key", r.Header.Get("x-cg-demo-api-key"))
	})

	src := pricefeed.NewCoinGecko(pricefeed.Options{BaseURL: srv.URL, APIKey: "demo-key"})
	assert.Equal(t, pricefeed.CoinGecko, src.Name())
	requireOK(t, src.Fetch(context.Background(), btc), pricefeed.CoinGecko, 64012.5)
}

func TestCoinGecko_UnknownAsset(t *testing.T) {
	srv := serveJSON(t, []byte(`{}`), nil)

	s := pricefeed.NewCoinGecko(pricefeed.Options{BaseURL: srv.URL}).Fetch(context.Background(), btc)
	assert.False(t, s.OK)
	assert.Nil(t, s.Price)
	assert.Contains(t, s.Err, "no usd price")
}

func TestCoinCap_Fetch(t *testing.T) {
	srv := serveJSON(t, fixture(t, "coincap_asset.json"), func(r *http.Request) {
		assert.Equal(t, "/v2/assets/bitcoin", r.URL.Path)
	})

	s := pricefeed.NewCoinCap(pricefeed.Options{BaseURL: srv.URL}).Fetch(context.Background(), btc)
	requireOK(t, s, pricefeed.CoinCap, 64020.118)
}

func TestPaprika_Fetch(t *testing.T) {
	srv := serveJSON(t, fixture(t, "paprika_ticker.json"), func(r *http.Request) {
		assert.Equal(t, "/v1/tickers/btc-bitcoin", r.URL.Path)
	})

	s := pricefeed.NewPaprika(pricefeed.Options{BaseURL: srv.URL}).Fetch(context.Background(), btc)
	requireOK(t, s, pricefeed.Paprika, 64005.25)
}

func TestPaprikaID(t *testing.T) {
	assert.Equal(t, "btc-bitcoin", pricefeed.PaprikaID(domain.AssetKey{ID: "bitcoin"}))
	assert.Equal(t, "wif-dogwifhat", pricefeed.PaprikaID(domain.AssetKey{ID: "dogwifhat"}))
	assert.Equal(t, "jup-jupiter", pricefeed.PaprikaID(domain.AssetKey{ID: "jupiter", Symbol: "jup"}))
}

func TestBinance_Fetch(t *testing.T) {
	srv := serveJSON(t, fixture(t, "binance_ticker_price.json"), func(r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
	})

	s := pricefeed.NewBinance(pricefeed.Options{BaseURL: srv.URL}).Fetch(context.Background(), btc)
	requireOK(t, s, pricefeed.Binance, 64018.99)
}

func TestKraken_Fetch_RenamedPair(t *testing.T) {
	srv := serveJSON(t, fixture(t, "kraken_ticker.json"), func(r *http.Request) {
		assert.Equal(t, "/0/public/Ticker", r.URL.Path)
		assert.Equal(t, "BTCUSD", r.URL.Query().Get("pair"))
	})

	s := pricefeed.NewKraken(pricefeed.Options{BaseURL: srv.URL}).Fetch(context.Background(), btc)
	requireOK(t, s, pricefeed.Kraken, 64010)
}

func TestKraken_APIError(t *testing.T) {
	srv := serveJSON(t, []byte(`{"error":["EQuery:Unknown asset pair"],"result":{}}`), nil)

	s := pricefeed.NewKraken(pricefeed.Options{BaseURL: srv.URL}).Fetch(context.Background(), btc)
	assert.False(t, s.OK)
	assert.Contains(t, s.Err, "Unknown asset pair")
}

// --- failure modes ---

func TestSource_FailuresBecomeFailedSamples(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		errPart string
	}{
		{"server error", http.StatusInternalServerError, `{}`, "http 500"},
		{"rate limited", http.StatusTooManyRequests, `{}`, "http 429"},
		{"malformed", http.StatusOK, `{"price":`, "decode"},
		{"zero price", http.StatusOK, `{"price":"0"}`, "invalid price"},
		{"negative price", http.StatusOK, `{"price":"-3.2"}`, "invalid price"},
		{"not a number", http.StatusOK, `{"price":"abc"}`, "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			s := pricefeed.NewBinance(pricefeed.Options{BaseURL: srv.URL}).Fetch(context.Background(), btc)
			assert.False(t, s.OK)
			assert.Nil(t, s.Price)
			assert.Equal(t, pricefeed.Binance, s.Source)
			assert.Contains(t, s.Err, tt.errPart)
			assert.Contains(t, s.Err, domain.ErrSourceUnavailable.Error())
		})
	}
}

func TestSource_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	src := pricefeed.NewCoinCap(pricefeed.Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})

	start := time.Now()
	s := src.Fetch(context.Background(), btc)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, s.OK)
	assert.Contains(t, s.Err, "timeout")
}

func TestSource_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := pricefeed.NewBinance(pricefeed.Options{
		BaseURL:         srv.URL,
		RatePerSec:      1000,
		Burst:           10,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
	ctx := context.Background()

	assert.Contains(t, src.Fetch(ctx, btc).Err, "http 502")
	assert.Contains(t, src.Fetch(ctx, btc).Err, "http 502")

	s := src.Fetch(ctx, btc)
	assert.False(t, s.OK)
	assert.Contains(t, s.Err, "circuit open")
	assert.Equal(t, int32(2), hits.Load())
}

func TestSource_AssetErrorsDoNotOpenBreaker(t *testing.T) {
	ticker := fixture(t, "kraken_ticker.json")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pair") == "BTCUSD" {
			w.Write(ticker)
			return
		}
		w.Write([]byte(`{"error":["EQuery:Unknown asset pair"],"result":{}}`))
	}))
	defer srv.Close()

	src := pricefeed.NewKraken(pricefeed.Options{
		BaseURL:         srv.URL,
		RatePerSec:      1000,
		Burst:           10,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
	ctx := context.Background()
	obscure := domain.AssetKey{ID: "obscurecoin"}

	for i := 0; i < 5; i++ {
		s := src.Fetch(ctx, obscure)
		assert.False(t, s.OK)
		assert.Contains(t, s.Err, "Unknown asset pair")
	}

	requireOK(t, src.Fetch(ctx, btc), pricefeed.Kraken, 64010)
}

func TestSource_ClientErrorsDoNotOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	src := pricefeed.NewBinance(pricefeed.Options{
		BaseURL:         srv.URL,
		RatePerSec:      1000,
		Burst:           10,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})

	for i := 0; i < 4; i++ {
		assert.Contains(t, src.Fetch(context.Background(), btc).Err, "http 400")
	}
	assert.Equal(t, int32(4), hits.Load(), "every request reaches the server")
}

func TestNew(t *testing.T) {
	for _, name := range pricefeed.DefaultNames {
		src, err := pricefeed.New(name, pricefeed.Options{})
		require.NoError(t, err)
		assert.Equal(t, name, src.Name())
	}

	_, err := pricefeed.New("bloomberg", pricefeed.Options{})
	assert.Error(t, err)
}

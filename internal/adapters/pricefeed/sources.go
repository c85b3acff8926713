package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/alejandrodnm/overunder/internal/domain"
	"github.com/alejandrodnm/overunder/internal/ports"
)

// Nombres de fuente, en el orden por defecto del oráculo.
const (
	CoinGecko = "coingecko"
	CoinCap   = "coincap"
	Paprika   = "paprika"
	Binance   = "binance"
	Kraken    = "kraken"
)

// DefaultNames es el orden de fuentes usado cuando la config no define ninguno.
var DefaultNames = []string{CoinGecko, CoinCap, Paprika, Binance, Kraken}

// New construye la fuente con el nombre dado.
func New(name string, opts Options) (ports.PriceSource, error) {
	switch strings.ToLower(name) {
	case CoinGecko:
		return NewCoinGecko(opts), nil
	case CoinCap:
		return NewCoinCap(opts), nil
	case Paprika:
		return NewPaprika(opts), nil
	case Binance:
		return NewBinance(opts), nil
	case Kraken:
		return NewKraken(opts), nil
	}
	return nil, fmt.Errorf("pricefeed.New: unknown source %q", name)
}

// --- CoinGecko ---

// CoinGeckoSource usa /api/v3/simple/price. La API key (demo) es opcional.
type CoinGeckoSource struct {
	*source
	apiKey string
}

func NewCoinGecko(opts Options) *CoinGeckoSource {
	return &CoinGeckoSource{source: newSource(CoinGecko, "https://api.coingecko.com", opts), apiKey: opts.APIKey}
}

func (s *CoinGeckoSource) Fetch(ctx context.Context, asset domain.AssetKey) domain.PriceSample {
	id := strings.ToLower(asset.ID)
	u := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=usd", s.base, url.QueryEscape(id))

	var headers map[string]string
	if s.apiKey != "" {
		headers = map[string]string{"x-cg-demo-api-key": s.apiKey}
	}
	return s.get(ctx, u, headers, func(body []byte) (float64, error) {
		var resp map[string]struct {
			USD *float64 `json:"usd"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, err
		}
		q, ok := resp[id]
		if !ok || q.USD == nil {
			return 0, fmt.Errorf("no usd price for %q", id)
		}
		return *q.USD, nil
	})
}

// --- CoinCap ---

// CoinCapSource usa /v2/assets/{id}; priceUsd viene como string.
type CoinCapSource struct{ *source }

func NewCoinCap(opts Options) *CoinCapSource {
	return &CoinCapSource{newSource(CoinCap, "https://api.coincap.io", opts)}
}

func (s *CoinCapSource) Fetch(ctx context.Context, asset domain.AssetKey) domain.PriceSample {
	u := fmt.Sprintf("%s/v2/assets/%s", s.base, url.PathEscape(strings.ToLower(asset.ID)))
	return s.get(ctx, u, nil, func(body []byte) (float64, error) {
		var resp struct {
			Data struct {
				PriceUSD string `json:"priceUsd"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, err
		}
		return parsePrice(resp.Data.PriceUSD)
	})
}

// --- CoinPaprika ---

// PaprikaSource usa /v1/tickers/{ticker-id}, p.ej. btc-bitcoin.
type PaprikaSource struct{ *source }

func NewPaprika(opts Options) *PaprikaSource {
	return &PaprikaSource{newSource(Paprika, "https://api.coinpaprika.com", opts)}
}

// PaprikaID construye el id de CoinPaprika a partir del ticker y el slug.
func PaprikaID(asset domain.AssetKey) string {
	return strings.ToLower(asset.Ticker()) + "-" + strings.ToLower(asset.ID)
}

func (s *PaprikaSource) Fetch(ctx context.Context, asset domain.AssetKey) domain.PriceSample {
	u := fmt.Sprintf("%s/v1/tickers/%s", s.base, url.PathEscape(PaprikaID(asset)))
	return s.get(ctx, u, nil, func(body []byte) (float64, error) {
		var resp struct {
			Quotes struct {
				USD struct {
					Price *float64 `json:"price"`
				} `json:"USD"`
			} `json:"quotes"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, err
		}
		if resp.Quotes.USD.Price == nil {
			return 0, errors.New("missing quotes.USD.price")
		}
		return *resp.Quotes.USD.Price, nil
	})
}

// --- Binance ---

// BinanceSource usa /api/v3/ticker/price contra el par {TICKER}USDT.
type BinanceSource struct{ *source }

func NewBinance(opts Options) *BinanceSource {
	return &BinanceSource{newSource(Binance, "https://api.binance.com", opts)}
}

func (s *BinanceSource) Fetch(ctx context.Context, asset domain.AssetKey) domain.PriceSample {
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", s.base, url.QueryEscape(asset.Ticker()+"USDT"))
	return s.get(ctx, u, nil, func(body []byte) (float64, error) {
		var resp struct {
			Price string `json:"price"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, err
		}
		return parsePrice(resp.Price)
	})
}

// --- Kraken ---

// KrakenSource usa /0/public/Ticker contra el par {TICKER}USD. Kraken
// renombra algunos pares en la respuesta (XXBTZUSD), así que se acepta el
// par pedido o, si no está, el primero en orden alfabético.
type KrakenSource struct{ *source }

func NewKraken(opts Options) *KrakenSource {
	return &KrakenSource{newSource(Kraken, "https://api.kraken.com", opts)}
}

func (s *KrakenSource) Fetch(ctx context.Context, asset domain.AssetKey) domain.PriceSample {
	pair := asset.Ticker() + "USD"
	u := fmt.Sprintf("%s/0/public/Ticker?pair=%s", s.base, url.QueryEscape(pair))
	return s.get(ctx, u, nil, func(body []byte) (float64, error) {
		var resp struct {
			Error  []string `json:"error"`
			Result map[string]struct {
				C []string `json:"c"` // [last trade price, lot volume]
			} `json:"result"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0, err
		}
		if len(resp.Error) > 0 {
			return 0, fmt.Errorf("kraken: %s", strings.Join(resp.Error, "; "))
		}
		t, ok := resp.Result[pair]
		if !ok {
			keys := make([]string, 0, len(resp.Result))
			for k := range resp.Result {
				keys = append(keys, k)
			}
			if len(keys) == 0 {
				return 0, fmt.Errorf("no ticker for %s", pair)
			}
			sort.Strings(keys)
			t = resp.Result[keys[0]]
		}
		if len(t.C) == 0 {
			return 0, errors.New("missing last trade price")
		}
		return parsePrice(t.C[0])
	})
}

func parsePrice(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("empty price")
	}
	return strconv.ParseFloat(s, 64)
}

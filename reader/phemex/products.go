package phemex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"tickflow/config"
	"tickflow/instruments"
	"tickflow/logger"
	"tickflow/models"
)

// Scheme is the feed URI scheme served by this connector.
const Scheme = "phemex"

// LoadInstruments fetches the Phemex product catalogue and files every
// tradable perpetual in the instrument cache. When include_symbols is set
// in the source config, only those symbols are kept.
func LoadInstruments(ctx context.Context, cfg *config.Config, cache *instruments.Cache) ([]models.ExchangeInstrument, error) {
	src := cfg.Source.Phemex
	log := logger.GetLogger().WithComponent("phemex_products").WithFields(logger.Fields{
		"url": src.ProductsURL,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.ProductsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build products request: %w", err)
	}

	client := &http.Client{Timeout: cfg.Reader.Timeout}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch products: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch products: unexpected status %s", res.Status)
	}

	var products models.PhemexProductsResp
	if err := json.NewDecoder(res.Body).Decode(&products); err != nil {
		return nil, fmt.Errorf("decode products response: %w", err)
	}
	if products.Code != 0 {
		return nil, fmt.Errorf("products response error code %d", products.Code)
	}

	include := make(map[string]bool, len(src.IncludeSymbols))
	for _, symbol := range src.IncludeSymbols {
		include[symbol] = true
	}

	var out []models.ExchangeInstrument
	for _, p := range products.Data {
		if p.Type != "Perpetual" || p.Status != "Listed" {
			continue
		}
		if len(include) > 0 && !include[p.Symbol] {
			continue
		}
		out = append(out, cache.GetOrCreate(Scheme, p.Symbol, p.PriceScale))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })

	if len(out) == 0 {
		return nil, fmt.Errorf("no tradable instruments discovered")
	}

	log.WithFields(logger.Fields{"instruments": len(out)}).Info("loaded phemex instruments")
	return out, nil
}

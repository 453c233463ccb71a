// Package market provides discovery of 15-minute up/down windows via the
// Gamma API and a local top-of-book mirror fed by the market WebSocket.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-hedger/internal/config"
	"polymarket-hedger/pkg/types"
)

// WindowLength is fixed by the market family: every up/down window runs
// exactly fifteen minutes.
const WindowLength = 15 * time.Minute

// GammaMarket is the JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EnableOrderBook       bool    `json:"enableOrderBook"`
	StartDate             string  `json:"startDate"`
	EndDate               string  `json:"endDate"`
	Outcomes              string  `json:"outcomes"`
	OutcomePrices         string  `json:"outcomePrices"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	NegRisk               bool    `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
}

// Scanner discovers the current up/down window for each configured symbol.
// Windows are keyed by (symbol, windowEnd); the scheduler asks for the window
// ending at the next quarter-hour boundary.
type Scanner struct {
	httpClient *resty.Client
	symbols    []string
	logger     *slog.Logger
}

// symbolNames maps a ticker symbol to the asset names that appear in
// up/down market slugs and questions.
var symbolNames = map[string][]string{
	"BTC":  {"btc", "bitcoin"},
	"ETH":  {"eth", "ethereum"},
	"SOL":  {"sol", "solana"},
	"XRP":  {"xrp"},
	"DOGE": {"doge", "dogecoin"},
}

// NewScanner creates a window scanner against the Gamma API.
func NewScanner(cfg config.Config, logger *slog.Logger) *Scanner {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Scanner{
		httpClient: client,
		symbols:    cfg.Trading.Symbols,
		logger:     logger.With("component", "scanner"),
	}
}

// FindWindow locates the window for one symbol ending at windowEnd.
// Returns nil (no error) when the market does not exist or is not yet
// accepting orders; the caller treats that as "skip this cycle".
func (s *Scanner) FindWindow(ctx context.Context, symbol string, windowEnd time.Time) (*types.Window, error) {
	markets, err := s.fetchUpDownMarkets(ctx, windowEnd)
	if err != nil {
		return nil, err
	}

	for _, m := range markets {
		if !matchesSymbol(m, symbol) {
			continue
		}
		w, err := toWindow(m, symbol)
		if err != nil {
			s.logger.Warn("skipping malformed market", "slug", m.Slug, "error", err)
			continue
		}
		return w, nil
	}
	return nil, nil
}

// Discover returns the windows ending at windowEnd for every configured
// symbol that has one.
func (s *Scanner) Discover(ctx context.Context, windowEnd time.Time) ([]*types.Window, error) {
	markets, err := s.fetchUpDownMarkets(ctx, windowEnd)
	if err != nil {
		return nil, err
	}

	var windows []*types.Window
	for _, symbol := range s.symbols {
		for _, m := range markets {
			if !matchesSymbol(m, symbol) {
				continue
			}
			w, err := toWindow(m, symbol)
			if err != nil {
				s.logger.Warn("skipping malformed market", "slug", m.Slug, "error", err)
				continue
			}
			windows = append(windows, w)
			break
		}
	}

	s.logger.Info("window discovery complete",
		"window_end", windowEnd.Format(time.RFC3339),
		"found", len(windows),
		"symbols", len(s.symbols),
	)
	return windows, nil
}

// CheckResolution re-fetches a market by condition ID and reports whether it
// has resolved and which token won. winnerTok is empty while unresolved or
// when the outcome prices are not yet final.
func (s *Scanner) CheckResolution(ctx context.Context, w *types.Window) (resolved bool, winnerTok string, err error) {
	var page []GammaMarket
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", w.ConditionID).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return false, "", fmt.Errorf("fetch market %s: %w", w.ConditionID, err)
	}
	if resp.StatusCode() != 200 {
		return false, "", fmt.Errorf("fetch market %s: status %d", w.ConditionID, resp.StatusCode())
	}
	if len(page) == 0 {
		return false, "", nil
	}

	m := page[0]
	if !m.Closed {
		return false, "", nil
	}

	var prices []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &prices); err != nil || len(prices) < 2 {
		return true, "", nil
	}
	up, _ := strconv.ParseFloat(prices[0], 64)
	down, _ := strconv.ParseFloat(prices[1], 64)
	switch {
	case up > down:
		return true, w.UpTokenID, nil
	case down > up:
		return true, w.DownTokenID, nil
	}
	return true, "", nil
}

// fetchUpDownMarkets pulls the active up/down markets whose end date matches
// windowEnd. The Gamma API pages at 100 results; up/down markets are a small
// recurring family, so the end-date filter keeps this to a page or two.
func (s *Scanner) fetchUpDownMarkets(ctx context.Context, windowEnd time.Time) ([]GammaMarket, error) {
	var matched []GammaMarket
	offset := 0
	limit := 100

	for {
		var page []GammaMarket
		resp, err := s.httpClient.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":        strconv.Itoa(limit),
				"offset":       strconv.Itoa(offset),
				"active":       "true",
				"closed":       "false",
				"end_date_min": windowEnd.Add(-time.Minute).UTC().Format(time.RFC3339),
				"end_date_max": windowEnd.Add(time.Minute).UTC().Format(time.RFC3339),
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		for _, m := range page {
			if !m.Active || m.Closed || !m.AcceptingOrders || !m.EnableOrderBook {
				continue
			}
			if !isUpDown(m) {
				continue
			}
			end, err := time.Parse(time.RFC3339, m.EndDate)
			if err != nil || !end.Equal(windowEnd) {
				continue
			}
			matched = append(matched, m)
		}

		if len(page) < limit {
			break
		}
		offset += limit
	}

	return matched, nil
}

// isUpDown recognizes the 15-minute up/down market family by its slug and
// outcome labels.
func isUpDown(m GammaMarket) bool {
	slug := strings.ToLower(m.Slug)
	if !strings.Contains(slug, "up-or-down") && !strings.Contains(slug, "updown") {
		return false
	}
	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil || len(outcomes) != 2 {
		return false
	}
	return strings.EqualFold(outcomes[0], "Up") && strings.EqualFold(outcomes[1], "Down")
}

func matchesSymbol(m GammaMarket, symbol string) bool {
	names := symbolNames[strings.ToUpper(symbol)]
	if len(names) == 0 {
		names = []string{strings.ToLower(symbol)}
	}
	slug := strings.ToLower(m.Slug)
	question := strings.ToLower(m.Question)
	for _, name := range names {
		if strings.Contains(slug, name) || strings.Contains(question, name) {
			return true
		}
	}
	return false
}

// toWindow converts a Gamma market into the internal Window. The outcomes
// array is ["Up","Down"] and clobTokenIds is position-aligned with it.
func toWindow(m GammaMarket, symbol string) (*types.Window, error) {
	var tokenIDs []string
	if err := json.Unmarshal([]byte(m.ClobTokenIds), &tokenIDs); err != nil {
		return nil, fmt.Errorf("parse clobTokenIds: %w", err)
	}
	if len(tokenIDs) != 2 || tokenIDs[0] == "" || tokenIDs[1] == "" {
		return nil, fmt.Errorf("expected 2 token IDs, got %d", len(tokenIDs))
	}

	end, err := time.Parse(time.RFC3339, m.EndDate)
	if err != nil {
		return nil, fmt.Errorf("parse endDate %q: %w", m.EndDate, err)
	}

	var tick types.TickSize
	switch m.OrderPriceMinTickSize {
	case 0.1:
		tick = types.Tick01
	case 0.001:
		tick = types.Tick0001
	case 0.0001:
		tick = types.Tick00001
	default:
		tick = types.Tick001
	}

	minSize := decimal.NewFromFloat(m.OrderMinSize)
	if minSize.IsZero() {
		minSize = decimal.NewFromInt(5)
	}

	return &types.Window{
		Symbol:       strings.ToUpper(symbol),
		ConditionID:  m.ConditionID,
		Slug:         m.Slug,
		Question:     m.Question,
		UpTokenID:    tokenIDs[0],
		DownTokenID:  tokenIDs[1],
		WindowStart:  end.Add(-WindowLength),
		WindowEnd:    end,
		TickSize:     tick,
		MinOrderSize: minSize,
		NegRisk:      m.NegRisk,
	}, nil
}

// NextBoundary returns the first quarter-hour instant strictly after now.
func NextBoundary(now time.Time) time.Time {
	t := now.UTC().Truncate(15 * time.Minute)
	if !t.After(now) {
		t = t.Add(15 * time.Minute)
	}
	return t
}

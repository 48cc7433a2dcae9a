package entities

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// StockTicker identifies an asset column of a returns table.
type StockTicker string

// StocksHistory is the close price series of one ticker, oldest first.
type StocksHistory struct {
	Name StockTicker     `json:"name"`
	Data []StockDateData `json:"data"`
}

type StockDateData struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

// ReturnsTable holds periodic returns, one row per period and one column per
// ticker. Rows[t][j] is the return of Tickers[j] in period t.
type ReturnsTable struct {
	Tickers []string    `json:"tickers"`
	Rows    [][]float64 `json:"returns"`
}

// Assets returns the number of columns.
func (t ReturnsTable) Assets() int {
	return len(t.Tickers)
}

// Periods returns the number of rows.
func (t ReturnsTable) Periods() int {
	return len(t.Rows)
}

// Column copies the return series of the j-th asset.
func (t ReturnsTable) Column(j int) []float64 {
	col := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		col[i] = row[j]
	}

	return col
}

var ErrInvalidTable = errors.New("invalid returns table")

// Validate checks the table shape and cell values.
func (t ReturnsTable) Validate() error {
	if len(t.Tickers) == 0 {
		return fmt.Errorf("%w: no tickers", ErrInvalidTable)
	}
	if len(t.Rows) == 0 {
		return fmt.Errorf("%w: no rows", ErrInvalidTable)
	}

	seen := make(map[string]struct{}, len(t.Tickers))
	for _, ticker := range t.Tickers {
		if ticker == "" {
			return fmt.Errorf("%w: empty ticker", ErrInvalidTable)
		}
		if _, ok := seen[ticker]; ok {
			return fmt.Errorf("%w: duplicated ticker %q", ErrInvalidTable, ticker)
		}
		seen[ticker] = struct{}{}
	}

	for i, row := range t.Rows {
		if len(row) != len(t.Tickers) {
			return fmt.Errorf("%w: row %d has %d values, expected %d", ErrInvalidTable, i, len(row), len(t.Tickers))
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite value at row %d column %q", ErrInvalidTable, i, t.Tickers[j])
			}
		}
	}

	return nil
}

// Constraints bound an optimization: RiskLevel is the annualized volatility
// ceiling and MaxWeight the per-asset cap.
type Constraints struct {
	RiskLevel float64 `json:"risk_level"`
	MaxWeight float64 `json:"max_weight"`
}

var ErrPolicyViolation = errors.New("constraints outside of policy")

// Policy is the accepted range of request constraints: RiskLevel in
// (0, MaxRiskLevel] and MaxWeight in (0, MaxWeightLimit].
type Policy struct {
	MaxRiskLevel   float64
	MaxWeightLimit float64
}

func (p Policy) Check(c Constraints) error {
	if !(c.RiskLevel > 0 && c.RiskLevel <= p.MaxRiskLevel) {
		return fmt.Errorf("%w: risk_level must be in (0, %g], got %g", ErrPolicyViolation, p.MaxRiskLevel, c.RiskLevel)
	}
	if !(c.MaxWeight > 0 && c.MaxWeight <= p.MaxWeightLimit) {
		return fmt.Errorf("%w: max_weight must be in (0, %g], got %g", ErrPolicyViolation, p.MaxWeightLimit, c.MaxWeight)
	}

	return nil
}

// PortfolioAllocation maps tickers to weights and keeps the input column order.
type PortfolioAllocation struct {
	Tickers []string
	Weights []float64
}

// Map returns the allocation as a ticker to weight map.
func (a PortfolioAllocation) Map() map[string]float64 {
	m := make(map[string]float64, len(a.Tickers))
	for i, ticker := range a.Tickers {
		m[ticker] = a.Weights[i]
	}

	return m
}

// Weight returns the weight of ticker, or false when it is not allocated.
func (a PortfolioAllocation) Weight(ticker string) (float64, bool) {
	for i, t := range a.Tickers {
		if t == ticker {
			return a.Weights[i], true
		}
	}

	return 0, false
}

// MarshalJSON encodes the allocation as an object with keys in column order.
func (a PortfolioAllocation) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ticker := range a.Tickers {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(ticker)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(a.Weights[i])
		if err != nil {
			return nil, fmt.Errorf("encode weight of %s: %w", ticker, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object produced by MarshalJSON, preserving key order.
func (a *PortfolioAllocation) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode allocation: expected object, got %v", tok)
	}

	a.Tickers = a.Tickers[:0]
	a.Weights = a.Weights[:0]
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		ticker, ok := tok.(string)
		if !ok {
			return fmt.Errorf("decode allocation: unexpected key %v", tok)
		}
		var w float64
		if err := dec.Decode(&w); err != nil {
			return fmt.Errorf("decode weight of %s: %w", ticker, err)
		}
		a.Tickers = append(a.Tickers, ticker)
		a.Weights = append(a.Weights, w)
	}

	_, err = dec.Token()
	return err
}

// Metrics describe an allocation: annualized expected return, annualized
// volatility and Sharpe ratio.
type Metrics struct {
	ExpectedReturn float64 `json:"returns"`
	Volatility     float64 `json:"risk"`
	Sharpe         float64 `json:"sharpe_ratio"`
}

// OptimizeRequest is the message consumed by the queue worker.
type OptimizeRequest struct {
	ReturnsTable
	Constraints
	Vip bool `json:"is_vip,omitempty"`
}

// RecommendationInfoResp is returned by every transport.
type RecommendationInfoResp struct {
	Portfolio PortfolioAllocation `json:"optimal_portfolio"`
	Metrics
	Error string `json:"error,omitempty"`
}

package csv

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
)

// StockRepo reads close price histories stored as Date,Close files named
// after their ticker, e.g. <Dir>/tcs.csv.
type StockRepo struct {
	Dir string
}

func (r StockRepo) GetStocks(tickers []entities.StockTicker) ([]entities.StocksHistory, error) {
	if len(tickers) == 0 {
		return nil, fmt.Errorf("%w: no tickers requested", ErrInvalidCSV)
	}

	stocks := make([]entities.StocksHistory, 0, len(tickers))
	for _, ticker := range tickers {
		content, err := readCsvFile(filepath.Join(r.Dir, string(ticker)+".csv"))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ticker, err)
		}
		if len(content) < 2 {
			return nil, fmt.Errorf("%w: %s has no prices", ErrInvalidCSV, ticker)
		}

		stockData := make([]entities.StockDateData, 0, len(content)-1)
		for i, line := range content[1:] {
			if len(line) < 2 {
				return nil, fmt.Errorf("%w: %s line %d has no close price", ErrInvalidCSV, ticker, i+2)
			}
			cl, err := strconv.ParseFloat(strings.TrimSpace(line[1]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: %w", ErrInvalidCSV, ticker, i+2, err)
			}

			stockData = append(stockData, entities.StockDateData{
				Date:  strings.TrimSpace(line[0]),
				Close: cl,
			})
		}

		stocks = append(stocks, entities.StocksHistory{
			Name: ticker,
			Data: stockData,
		})
	}

	return stocks, nil
}

// GetReturns loads the histories of tickers and converts them to a returns
// table.
func (r StockRepo) GetReturns(tickers []entities.StockTicker) (entities.ReturnsTable, error) {
	stocks, err := r.GetStocks(tickers)
	if err != nil {
		return entities.ReturnsTable{}, err
	}

	return ReturnsFromHistory(stocks)
}

// ReturnsFromHistory aligns the histories on the dates they all share, in the
// order of the first history, and computes simple period returns
// p[t]/p[t-1] - 1.
func ReturnsFromHistory(stocks []entities.StocksHistory) (entities.ReturnsTable, error) {
	if len(stocks) == 0 {
		return entities.ReturnsTable{}, fmt.Errorf("%w: no histories", ErrInvalidCSV)
	}

	prices := make([]map[string]float64, len(stocks))
	for i, stock := range stocks {
		prices[i] = make(map[string]float64, len(stock.Data))
		for _, d := range stock.Data {
			prices[i][d.Date] = d.Close
		}
	}

	dates := make([]string, 0, len(stocks[0].Data))
	for _, d := range stocks[0].Data {
		shared := true
		for _, p := range prices[1:] {
			if _, ok := p[d.Date]; !ok {
				shared = false
				break
			}
		}
		if shared {
			dates = append(dates, d.Date)
		}
	}
	if len(dates) < 2 {
		return entities.ReturnsTable{}, fmt.Errorf("%w: histories share %d dates, need at least 2", ErrInvalidCSV, len(dates))
	}

	tickers := make([]string, len(stocks))
	for j, stock := range stocks {
		tickers[j] = string(stock.Name)
	}

	rows := make([][]float64, 0, len(dates)-1)
	for t := 1; t < len(dates); t++ {
		row := make([]float64, len(stocks))
		for j := range stocks {
			prev := prices[j][dates[t-1]]
			if prev == 0 {
				return entities.ReturnsTable{}, fmt.Errorf("%w: %s has zero close on %s", ErrInvalidCSV, tickers[j], dates[t-1])
			}
			row[j] = prices[j][dates[t]]/prev - 1
		}
		rows = append(rows, row)
	}

	table := entities.ReturnsTable{Tickers: tickers, Rows: rows}
	if err := table.Validate(); err != nil {
		return entities.ReturnsTable{}, fmt.Errorf("%w: %w", ErrInvalidCSV, err)
	}

	return table, nil
}

func readCsvFile(filePath string) ([][]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	csvReader := csv.NewReader(f)
	csvReader.FieldsPerRecord = -1
	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, err
	}

	return records, nil
}

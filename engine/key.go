package engine

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/zeebo/blake3"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
	"github.com/glbter/distributed-systems/portfolio-engine/optimizer"
)

// requestKey is the hex blake3 digest of everything that determines a
// result: the table, the constraints and the numerical configuration.
func requestKey(table entities.ReturnsTable, c entities.Constraints, cfg optimizer.Config) (string, error) {
	h := blake3.New()
	buf := make([]byte, 8)

	writeUint := func(v uint64) error {
		binary.LittleEndian.PutUint64(buf, v)
		_, err := h.Write(buf)
		return err
	}
	writeFloat := func(v float64) error {
		return writeUint(math.Float64bits(v))
	}

	if err := writeUint(uint64(len(table.Tickers))); err != nil {
		return "", err
	}
	for _, ticker := range table.Tickers {
		if err := writeUint(uint64(len(ticker))); err != nil {
			return "", err
		}
		if _, err := h.WriteString(ticker); err != nil {
			return "", err
		}
	}

	if err := writeUint(uint64(len(table.Rows))); err != nil {
		return "", err
	}
	for _, row := range table.Rows {
		for _, v := range row {
			if err := writeFloat(v); err != nil {
				return "", err
			}
		}
	}

	for _, v := range []float64{
		c.RiskLevel,
		c.MaxWeight,
		cfg.AnnualizationFactor,
		cfg.RiskFreeRate,
		cfg.WeightThreshold,
	} {
		if err := writeFloat(v); err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
)

// ResponseError is returned when the engine answers with a non-200 status.
type ResponseError struct {
	StatusCode int
	Detail     string
}

func (e *ResponseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("responded with %d http code", e.StatusCode)
	}

	return fmt.Sprintf("responded with %d http code: %s", e.StatusCode, e.Detail)
}

// PortfolioOptimizerClient calls a remote engine over its HTTP API.
type PortfolioOptimizerClient struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewClient(c *http.Client, url string, logger *zap.Logger) PortfolioOptimizerClient {
	return PortfolioOptimizerClient{
		url:    url,
		client: c,
		logger: logger.With(zap.String("caller", "PortfolioOptimizerClient")),
	}
}

// Recommend uploads a returns CSV with the constraints and returns the
// engine's allocation.
func (poc PortfolioOptimizerClient) Recommend(ctx context.Context, returns io.Reader, c entities.Constraints) (entities.RecommendationInfoResp, error) {
	logger := poc.logger.With(zap.String("method", "Recommend"))

	start := time.Now()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "returns.csv")
	if err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, returns); err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("copy returns: %w", err)
	}
	if err := mw.WriteField("risk_level", strconv.FormatFloat(c.RiskLevel, 'g', -1, 64)); err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("write risk_level: %w", err)
	}
	if err := mw.WriteField("max_weight", strconv.FormatFloat(c.MaxWeight, 'g', -1, 64)); err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("write max_weight: %w", err)
	}
	if err := mw.Close(); err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("close form: %w", err)
	}

	path, err := url.JoinPath(poc.url, "/optimize-portfolio")
	if err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("build request url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, &body)
	if err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	logger.Debug("send request", zap.String("path", path))
	resp, err := poc.client.Do(req)
	logger.Info("finish run", zap.Duration("duration", time.Since(start)))
	if err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("send post request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&detail)

		return entities.RecommendationInfoResp{}, &ResponseError{StatusCode: resp.StatusCode, Detail: detail.Detail}
	}

	var r entities.RecommendationInfoResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return entities.RecommendationInfoResp{}, fmt.Errorf("decode response: %w", err)
	}

	return r, nil
}

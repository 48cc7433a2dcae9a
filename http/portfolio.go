package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
	"github.com/glbter/distributed-systems/portfolio-engine/optimizer"
	"github.com/glbter/distributed-systems/portfolio-engine/optimizer/repo/csv"
)

const ServiceBanner = "Portfolio optimization service"

// multipartMemory is the part of an upload kept in memory; the rest spills
// to temporary files.
const multipartMemory = 8 << 20

type PortfolioEngine interface {
	Optimize(ctx context.Context, table entities.ReturnsTable, c entities.Constraints) (optimizer.Result, error)
}

type PortfolioHandler struct {
	Logger         *zap.Logger
	Engine         PortfolioEngine
	Policy         entities.Policy
	MaxUploadBytes int64
}

type errorResp struct {
	Detail string `json:"detail"`
}

type bannerResp struct {
	Message string `json:"message"`
}

// errBadRequest marks request problems found by the handler itself.
var errBadRequest = errors.New("bad request")

func (h PortfolioHandler) Root(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, bannerResp{Message: ServiceBanner})
}

// OptimizePortfolio expects a multipart form with a returns CSV in "file"
// and the "risk_level" and "max_weight" fields.
func (h PortfolioHandler) OptimizePortfolio(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger.With(
		zap.String("method", "OptimizePortfolio"),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	)

	if h.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.writeError(w, logger, fmt.Errorf("%w: parse form: %w", errBadRequest, err))
		return
	}

	c, err := h.constraints(r)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}

	table, err := returnsTable(r)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}

	res, err := h.Engine.Optimize(r.Context(), table, c)
	if err != nil {
		h.writeError(w, logger, fmt.Errorf("optimize portfolio: %w", err))
		return
	}

	logger.Info("portfolio optimized",
		zap.Int("assets", table.Assets()),
		zap.Float64("risk", res.Metrics.Volatility),
	)
	h.writeJSON(w, http.StatusOK, entities.RecommendationInfoResp{
		Portfolio: res.Allocation,
		Metrics:   res.Metrics,
	})
}

func (h PortfolioHandler) constraints(r *http.Request) (entities.Constraints, error) {
	risk, err := formFloat(r, "risk_level")
	if err != nil {
		return entities.Constraints{}, err
	}
	maxWeight, err := formFloat(r, "max_weight")
	if err != nil {
		return entities.Constraints{}, err
	}

	c := entities.Constraints{RiskLevel: risk, MaxWeight: maxWeight}
	if err := h.Policy.Check(c); err != nil {
		return entities.Constraints{}, err
	}

	return c, nil
}

func returnsTable(r *http.Request) (entities.ReturnsTable, error) {
	file, _, err := r.FormFile("file")
	if err != nil {
		return entities.ReturnsTable{}, fmt.Errorf("%w: read file: %w", errBadRequest, err)
	}
	defer file.Close()

	table, err := csv.ParseReturns(file)
	if err != nil {
		return entities.ReturnsTable{}, fmt.Errorf("parse returns: %w", err)
	}

	return table, nil
}

// formFloat reads a required numeric field of a multipart or url-encoded form.
func formFloat(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.FormValue(name))
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", errBadRequest, name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number: %q", errBadRequest, name, raw)
	}

	return v, nil
}

// statusCode maps an error to its response status.
func statusCode(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, entities.ErrPolicyViolation),
		errors.Is(err, csv.ErrInvalidCSV),
		errors.Is(err, entities.ErrInvalidTable),
		errors.Is(err, optimizer.ErrInvalidDimensions),
		errors.Is(err, optimizer.ErrInvalidConstraints):
		return http.StatusBadRequest
	case errors.Is(err, optimizer.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, optimizer.ErrOptimization),
		errors.Is(err, optimizer.ErrDegenerateResult):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h PortfolioHandler) writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		logger.Error(err.Error(), zap.Int("status", status))
	} else {
		logger.Info(err.Error(), zap.Int("status", status))
	}

	detail := strings.TrimPrefix(err.Error(), errBadRequest.Error()+": ")
	detail = strings.TrimPrefix(detail, entities.ErrPolicyViolation.Error()+": ")
	h.writeJSON(w, status, errorResp{Detail: detail})
}

func (h PortfolioHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error(fmt.Errorf("encode response: %w", err).Error())
	}
}

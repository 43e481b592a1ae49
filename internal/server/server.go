package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/seeker/config"
	"github.com/mohammad-safakhou/seeker/internal/retrieval"
)

// Retriever is the engine surface the HTTP layer depends on.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (retrieval.Result, error)
}

type retrieveRequest struct {
	Query string `json:"query"`
}

type retrieveResponse struct {
	Outcome    string             `json:"outcome"`
	Iterations int                `json:"iterations"`
	Hits       []hitPayload       `json:"hits"`
	History    []iterationPayload `json:"history,omitempty"`
}

type hitPayload struct {
	ID     string                 `json:"id"`
	Score  *float64               `json:"score,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

type iterationPayload struct {
	Iteration int           `json:"iteration"`
	Steps     []stepPayload `json:"steps"`
}

type stepPayload struct {
	StepID         string   `json:"step_id"`
	HitCount       int      `json:"hit_count"`
	DistinctValues []string `json:"distinct_values,omitempty"`
}

// New builds the echo instance with all routes registered. The caller owns
// startup and shutdown.
func New(engine Retriever, timeout time.Duration) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h := &RetrieveHandler{Engine: engine, Timeout: timeout}
	h.Register(e.Group("/api"))
	return e
}

// Run wires the engine into an echo server and blocks serving it.
func Run(cfg *config.Config, engine Retriever) error {
	e := New(engine, cfg.General.DefaultTimeout)
	return e.Start(cfg.Server.Address)
}

type RetrieveHandler struct {
	Engine  Retriever
	Timeout time.Duration
}

func (h *RetrieveHandler) Register(g *echo.Group) {
	g.POST("/retrieve", h.retrieve)
}

func (h *RetrieveHandler) retrieve(c echo.Context) error {
	var req retrieveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	ctx := c.Request().Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	result, err := h.Engine.Retrieve(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return echo.NewHTTPError(http.StatusGatewayTimeout, "retrieval timed out")
		}
		return fmt.Errorf("retrieval failed: %w", err)
	}
	return c.JSON(http.StatusOK, toResponse(result))
}

func toResponse(result retrieval.Result) retrieveResponse {
	resp := retrieveResponse{
		Outcome:    string(result.Outcome),
		Iterations: result.Iterations,
		Hits:       make([]hitPayload, 0, len(result.Hits)),
	}
	for _, h := range result.Hits {
		resp.Hits = append(resp.Hits, hitPayload{ID: h.ID, Score: h.Score, Fields: h.Fields})
	}
	for _, entry := range result.History {
		it := iterationPayload{Iteration: entry.Iteration}
		for _, s := range entry.Steps {
			it.Steps = append(it.Steps, stepPayload{
				StepID:         s.StepID,
				HitCount:       s.HitCount,
				DistinctValues: s.DistinctValues,
			})
		}
		resp.History = append(resp.History, it)
	}
	return resp
}

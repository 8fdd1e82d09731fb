package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rewired-gh/quantflow/internal/alert"
	"github.com/rewired-gh/quantflow/internal/backtest"
	"github.com/rewired-gh/quantflow/internal/export"
	"github.com/rewired-gh/quantflow/internal/models"
	"github.com/rewired-gh/quantflow/internal/service"
)

// Routes is implemented by anything that mounts endpoints on the server.
type Routes interface {
	RegisterRoutes(e *echo.Echo)
}

// Handler serves the query API over the analytics service and, when set,
// the alert engine.
type Handler struct {
	svc    *service.Service
	alerts *alert.Engine
}

func NewHandler(svc *service.Service, alerts *alert.Engine) *Handler {
	return &Handler{svc: svc, alerts: alerts}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api/v1")
	g.GET("/symbols", h.Symbols)
	g.GET("/symbols/:symbol", h.Summary)
	g.GET("/ticks", h.Ticks)
	g.GET("/bars", h.Bars)
	g.GET("/stats", h.Stats)
	g.GET("/rolling", h.Rolling)
	g.GET("/hedge", h.Hedge)
	g.GET("/spread", h.Spread)
	g.GET("/adf", h.ADF)
	g.GET("/correlation", h.Correlation)
	g.GET("/kalman", h.Kalman)
	g.POST("/backtest", h.Backtest)
	g.GET("/export/:kind", h.Export)

	if h.alerts != nil {
		a := g.Group("/alerts")
		a.GET("/rules", h.ListRules)
		a.POST("/rules", h.CreateRule)
		a.GET("/rules/:id", h.GetRule)
		a.PATCH("/rules/:id", h.UpdateRule)
		a.DELETE("/rules/:id", h.DeleteRule)
		a.GET("/triggers", h.Triggers)
	}
}

func (h *Handler) Health(c echo.Context) error {
	if err := h.svc.Ping(c.Request().Context()); err != nil {
		return DataResponse(c, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
	}
	return SuccessResponse(c, map[string]string{"status": "ok"})
}

func (h *Handler) Symbols(c echo.Context) error {
	syms, err := h.svc.Symbols(c.Request().Context())
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return ListResponse(c, syms, len(syms))
}

func (h *Handler) Summary(c echo.Context) error {
	sum, err := h.svc.Summary(c.Request().Context(), c.Param("symbol"))
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, sum)
}

func (h *Handler) Ticks(c echo.Context) error {
	req := &TicksRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	q, err := RangeParams{Start: req.Start, End: req.End, Limit: req.Limit}.query(req.Symbol)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	ticks, err := h.svc.Ticks(c.Request().Context(), q)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return ListResponse(c, ticks, len(ticks))
}

func (h *Handler) Bars(c echo.Context) error {
	req := &BarsRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	q, err := RangeParams{Timeframe: req.Timeframe, Start: req.Start, End: req.End, Limit: req.Limit}.query(req.Symbol)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	bars, err := h.svc.Bars(c.Request().Context(), q)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return ListResponse(c, bars, len(bars))
}

func (h *Handler) Stats(c echo.Context) error {
	req := &SymbolRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	q, err := req.query(req.Symbol)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	st, err := h.svc.Stats(c.Request().Context(), q)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, st)
}

func (h *Handler) Rolling(c echo.Context) error {
	req := &RollingRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	q, err := req.query(req.Symbol)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	pts, err := h.svc.Rolling(c.Request().Context(), q, req.Window)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return ListResponse(c, pts, len(pts))
}

func (h *Handler) Hedge(c echo.Context) error {
	req := &PairRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	q, err := req.query(req.Pair)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if req.Method == service.MethodNone {
		return AppErrorResponse(c, models.Configf("method", "hedge needs a regression method"))
	}
	res, err := h.svc.Hedge(c.Request().Context(), q, req.Method)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, res)
}

func (h *Handler) Spread(c echo.Context) error {
	req := &SpreadRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	q, err := req.query(req.Pair)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	res, err := h.svc.SpreadZ(c.Request().Context(), q, req.Window, req.Method)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, res)
}

func (h *Handler) ADF(c echo.Context) error {
	req := &ADFRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	lag, err := req.lag()
	if err != nil {
		return AppErrorResponse(c, err)
	}
	q, err := req.query(req.Symbol)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	rep, err := h.svc.ADF(c.Request().Context(), q, lag, req.Method)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, rep)
}

func (h *Handler) Correlation(c echo.Context) error {
	req := &CorrelationRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	q, err := req.query("")
	if err != nil {
		return AppErrorResponse(c, err)
	}
	m, err := h.svc.Correlation(c.Request().Context(), req.symbols(), q, req.Window)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, m)
}

func (h *Handler) Kalman(c echo.Context) error {
	req := &KalmanRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	q, err := req.query(req.Pair)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	kc := h.svc.Options().Kalman
	if req.Delta > 0 {
		kc.Delta = req.Delta
	}
	if req.ObservationNoise > 0 {
		kc.ObservationNoise = req.ObservationNoise
	}
	res, err := h.svc.Kalman(c.Request().Context(), q, &kc)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, res)
}

func (h *Handler) Backtest(c echo.Context) error {
	req := &BacktestRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	q, err := req.query(req.Pair)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	cfg := mergeBacktest(h.svc.Options().Backtest, req)
	rep, err := h.svc.Backtest(c.Request().Context(), q, &cfg, req.Method)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, rep)
}

func mergeBacktest(cfg backtest.Config, req *BacktestRequest) backtest.Config {
	if req.EntryZ != nil {
		cfg.EntryZ = *req.EntryZ
	}
	if req.ExitZ != nil {
		cfg.ExitZ = *req.ExitZ
	}
	if req.Window != nil {
		cfg.Window = *req.Window
	}
	if req.UnitSize != nil {
		cfg.UnitSize = *req.UnitSize
	}
	if req.StartingEquity != nil {
		cfg.StartingEquity = *req.StartingEquity
	}
	return cfg
}

// Export streams a CSV download. The body is buffered so a failed query
// still produces a JSON error instead of a truncated file.
func (h *Handler) Export(c echo.Context) error {
	req := &ExportRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	kind, err := export.ParseKind(req.Kind)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	q, err := req.query(req.Symbol)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	var buf bytes.Buffer
	name, err := h.svc.Export(c.Request().Context(), &buf, kind, q)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

package rest

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/notnull-co/frota/internal/channel"
	"github.com/notnull-co/frota/internal/config"
	"github.com/notnull-co/frota/internal/domain"
	"github.com/notnull-co/frota/internal/orchestrator"
	"github.com/notnull-co/frota/internal/watchdog"
)

type rest struct {
	orch *orchestrator.Orchestrator
	dog  *watchdog.Watchdog
}

func New(orch *orchestrator.Orchestrator, dog *watchdog.Watchdog) channel.Channel {
	return &rest{
		orch: orch,
		dog:  dog,
	}
}

func (r *rest) Start() error {
	e := echo.New()
	e.Use(middleware.Recover())

	v1 := e.Group("/v1")
	v1.POST("/updates/notify", r.notify)
	v1.GET("/status", r.status)
	v1.GET("/deployments", r.history)
	v1.GET("/deployments/:id", r.deployment)
	v1.POST("/deployments/:id/launch", r.launch)
	v1.POST("/deployments/:id/reject", r.reject)
	v1.POST("/deployments/:id/pause", r.pause)
	v1.POST("/deployments/:id/resume", r.resume)
	v1.POST("/deployments/:id/rollback", r.rollback)
	v1.GET("/rollbacks/:id", r.proposal)
	v1.POST("/rollbacks/:id/approve", r.approveRollback)
	v1.POST("/rollbacks/:id/reject", r.rejectRollback)
	v1.GET("/watchdog", r.watchdogStatus)

	return e.Start(":" + config.Get().Rest.Port)
}

type notifyRequest struct {
	AgentImage  string `json:"agent_image"`
	GUIImage    string `json:"gui_image"`
	ProxyImage  string `json:"proxy_image"`
	Message     string `json:"message"`
	Version     string `json:"version"`
	CommitSHA   string `json:"commit_sha"`
	Changelog   string `json:"changelog"`
	Strategy    string `json:"strategy"`
	InitiatedBy string `json:"initiated_by"`
}

func (r *rest) notify(c echo.Context) error {
	var req notifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Strategy == "" {
		req.Strategy = string(domain.StrategyCanary)
	}

	d, err := r.orch.Notify(c.Request().Context(), orchestrator.NotifyRequest{
		AgentImage:  req.AgentImage,
		GUIImage:    req.GUIImage,
		ProxyImage:  req.ProxyImage,
		Message:     req.Message,
		Version:     req.Version,
		CommitSHA:   req.CommitSHA,
		Changelog:   req.Changelog,
		Strategy:    domain.Strategy(req.Strategy),
		InitiatedBy: req.InitiatedBy,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (r *rest) status(c echo.Context) error {
	view, err := r.orch.Status(c.QueryParam("deployment_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (r *rest) history(c echo.Context) error {
	deployments, err := r.orch.History(10)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, deployments)
}

func (r *rest) deployment(c echo.Context) error {
	view, err := r.orch.Status(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (r *rest) launch(c echo.Context) error {
	d, err := r.orch.Launch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
}

func (r *rest) reject(c echo.Context) error {
	var req decisionRequest
	_ = c.Bind(&req)

	d, err := r.orch.Reject(c.Request().Context(), c.Param("id"), req.DecidedBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (r *rest) pause(c echo.Context) error {
	d, err := r.orch.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (r *rest) resume(c echo.Context) error {
	d, err := r.orch.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type rollbackRequest struct {
	TargetDigest string `json:"target_digest"`
	InitiatedBy  string `json:"initiated_by"`
}

func (r *rest) rollback(c echo.Context) error {
	var req rollbackRequest
	_ = c.Bind(&req)

	d, err := r.orch.Rollback(c.Request().Context(), c.Param("id"), req.TargetDigest, req.InitiatedBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (r *rest) proposal(c echo.Context) error {
	p, err := r.orch.GetProposal(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (r *rest) approveRollback(c echo.Context) error {
	var req decisionRequest
	_ = c.Bind(&req)

	d, err := r.orch.ApproveProposal(c.Request().Context(), c.Param("id"), req.DecidedBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (r *rest) rejectRollback(c echo.Context) error {
	var req decisionRequest
	_ = c.Bind(&req)

	p, err := r.orch.RejectProposal(c.Request().Context(), c.Param("id"), req.DecidedBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (r *rest) watchdogStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, r.dog.Status())
}

func httpError(err error) error {
	switch {
	case errors.Is(err, domain.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnreachable):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

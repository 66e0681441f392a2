package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-outbound/adapters/gocommand"
	"github.com/goliatone/go-outbound/command"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/query"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the provider webhook, the metrics endpoint and the
// operator surface. Operator handlers go through the go-command bus, so
// RegisterOperator must have run first.
func NewRouter(webhook http.Handler, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.Any("/webhooks/provider", gin.WrapH(webhook))

	operator := router.Group("/operator")
	operator.GET("/sends", func(c *gin.Context) {
		respondQuery[query.RecentSendsMessage, []core.Message](c, query.RecentSendsMessage{
			TenantID: c.Query("tenant_id"),
			Limit:    intQuery(c, "limit"),
		})
	})
	operator.GET("/webhook-events", func(c *gin.Context) {
		respondQuery[query.RecentWebhookEventsMessage, []core.WebhookEvent](c, query.RecentWebhookEventsMessage{
			Limit: intQuery(c, "limit"),
		})
	})
	operator.GET("/rollups", func(c *gin.Context) {
		respondQuery[query.SendRollupsMessage, query.SendRollups](c, query.SendRollupsMessage{
			TenantID: c.Query("tenant_id"),
		})
	})
	operator.GET("/breaches", func(c *gin.Context) {
		respondQuery[query.InvariantBreachesMessage, []core.InvariantBreach](c, query.InvariantBreachesMessage{
			Limit: intQuery(c, "limit"),
		})
	})
	operator.GET("/counters", func(c *gin.Context) {
		respondQuery[query.CountersMessage, map[string]int64](c, query.CountersMessage{})
	})

	tenants := operator.Group("/tenants/:tenant_id")
	tenants.GET("/control", func(c *gin.Context) {
		respondQuery[query.TenantControlMessage, query.TenantControl](c, query.TenantControlMessage{
			TenantID: c.Param("tenant_id"),
		})
	})
	tenants.POST("/pause", func(c *gin.Context) {
		var body struct {
			Actor    string `json:"actor"`
			Reason   string `json:"reason"`
			Duration string `json:"duration"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, badRequest("pause body must be JSON"))
			return
		}
		duration, err := time.ParseDuration(body.Duration)
		if err != nil {
			respondError(c, badRequest("duration must be a Go duration such as 30m"))
			return
		}
		respondCommand(c, command.PauseMessage{
			TenantID: c.Param("tenant_id"),
			Actor:    body.Actor,
			Reason:   body.Reason,
			Duration: duration,
		})
	})
	tenants.POST("/resume/acknowledge", func(c *gin.Context) {
		respondCommand(c, command.AcknowledgeResumeMessage{
			TenantID: c.Param("tenant_id"),
			Actor:    c.Query("actor"),
		})
	})
	tenants.POST("/resume", func(c *gin.Context) {
		respondCommand(c, command.ResumeMessage{
			TenantID: c.Param("tenant_id"),
			Actor:    c.Query("actor"),
		})
	})
	return router
}

func respondQuery[T any, R any](c *gin.Context, msg T) {
	result, err := gocommand.Query[T, R](c.Request.Context(), msg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func respondCommand[T any](c *gin.Context, msg T) {
	if err := gocommand.Dispatch(c.Request.Context(), msg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func respondError(c *gin.Context, err error) {
	mapped := core.MapError(err)
	c.JSON(mapped.Code, gin.H{
		"error": mapped.Message,
		"code":  mapped.TextCode,
	})
}

func badRequest(message string) error {
	return goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput)
}

func intQuery(c *gin.Context, key string) int {
	value, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return value
}

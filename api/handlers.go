package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/assessment_monitor/appctx"
	"bitbucket.org/mmdatafocus/assessment_monitor/config"
	"bitbucket.org/mmdatafocus/assessment_monitor/models"
	"bitbucket.org/mmdatafocus/assessment_monitor/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	defaultEvidenceLimit = 100
	maxEvidenceLimit     = 1000
)

type SnapshotRunner interface {
	RunDailySnapshot(ctx context.Context) (workflow.DailySnapshotSummary, error)
}

type GhostRunner interface {
	CheckForOwnershipChanges(ctx context.Context) (int, error)
	RunAllComparisons(ctx context.Context) (workflow.ComparisonSummary, error)
}

type MonitorReader interface {
	FindMonitor(ctx context.Context, jobGuid string) (*models.AssessmentMonitor, error)
}

type PeriodResolver interface {
	ResolvePeriodById(ctx context.Context, id uint) (*models.GhostOwnershipPeriod, error)
}

type EvidenceLister interface {
	ListEvidence(ctx context.Context, filter models.EvidenceFilter) ([]models.GhostUnitEvidence, error)
}

// LastRunLoader reads the cached summary of the previous daily run.
type LastRunLoader func(ctx context.Context, dest *workflow.DailySnapshotSummary) (bool, error)

func redisLastRun(ctx context.Context, dest *workflow.DailySnapshotSummary) (bool, error) {
	return config.GetRedisObject(ctx, workflow.LastDailySnapshotKey, dest)
}

type Handlers struct {
	Monitor  SnapshotRunner
	Monitors MonitorReader
	Ghosts   GhostRunner
	Periods  PeriodResolver
	Evidence EvidenceLister
	Closures workflow.ClosureHandler
	LastRun  LastRunLoader
	Logger   *logrus.Logger
}

func (h *Handlers) lastRun() LastRunLoader {
	if h.LastRun != nil {
		return h.LastRun
	}
	return redisLastRun
}

func TriggerDailySnapshotHandler(h *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := appctx.SetTrigger(c.Request.Context(), "http")
		summary, err := h.Monitor.RunDailySnapshot(ctx)
		if errors.Is(err, workflow.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			config.LogError(h.Logger, "api", "TriggerDailySnapshotHandler", "daily snapshot failed", nil, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func LastRunHandler(h *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		var summary workflow.DailySnapshotSummary
		found, err := h.lastRun()(c.Request.Context(), &summary)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "no daily snapshot has run yet"})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func MonitorHandler(h *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := h.Monitors.FindMonitor(c.Request.Context(), c.Param("job_guid"))
		if errors.Is(err, models.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "monitor not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func ResolvePeriodHandler(h *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid period id"})
			return
		}
		ctx := appctx.SetTrigger(c.Request.Context(), "http")
		period, err := h.Periods.ResolvePeriodById(ctx, uint(id))
		if errors.Is(err, models.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "period not found"})
			return
		}
		if err != nil {
			config.LogError(h.Logger, "api", "ResolvePeriodHandler", "resolve period failed", gin.H{"period_id": id}, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, period)
	}
}

func GhostCheckHandler(h *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := appctx.SetTrigger(c.Request.Context(), "http")
		created, err := h.Ghosts.CheckForOwnershipChanges(ctx)
		if err != nil {
			config.LogError(h.Logger, "api", "GhostCheckHandler", "ownership check failed", nil, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"created": created})
	}
}

func GhostCompareHandler(h *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := appctx.SetTrigger(c.Request.Context(), "http")
		summary, err := h.Ghosts.RunAllComparisons(ctx)
		if err != nil {
			config.LogError(h.Logger, "api", "GhostCompareHandler", "comparisons failed", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func EvidenceHandler(h *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.EvidenceFilter{
			JobGuid:          strings.TrimSpace(c.Query("job_guid")),
			TakeoverUsername: strings.TrimSpace(c.Query("username")),
			Limit:            defaultEvidenceLimit,
		}
		if raw := strings.TrimSpace(c.Query("period_id")); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid period_id"})
				return
			}
			pid := uint(id)
			filter.OwnershipPeriodId = &pid
		}
		if raw := strings.TrimSpace(c.Query("status")); raw != "" {
			status, err := models.ParseOwnershipPeriodStatus(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			filter.PeriodStatus = status
		}
		if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			filter.Limit = min(n, maxEvidenceLimit)
		}

		rows, err := h.Evidence.ListEvidence(c.Request.Context(), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": rows, "count": len(rows)})
	}
}

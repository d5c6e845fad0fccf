package handlers

import (
	"context"
	"errors"
	"net/http"

	"gerrit-slack-notifier/internal/log"
	"gerrit-slack-notifier/internal/models"
	"gerrit-slack-notifier/internal/scheduler"
	"gerrit-slack-notifier/internal/services"

	"github.com/gin-gonic/gin"
)

// SchedulerControl is the out-of-band interface of the scheduler.
type SchedulerControl interface {
	Reload()
	Pause()
	Resume()
	Status() scheduler.Status
}

// ScheduleRunner runs one summary job.
type ScheduleRunner interface {
	Run(ctx context.Context, schedule *models.Schedule) (*RunResult, error)
}

// ScheduleBuilder validates schedule requests.
type ScheduleBuilder interface {
	BuildSchedule(ctx context.Context, req services.ScheduleRequest) (*models.Schedule, error)
}

// ControlHandler serves the control API.
type ControlHandler struct {
	scheduler SchedulerControl
	store     services.Store
	runner    ScheduleRunner
	builder   ScheduleBuilder
}

// NewControlHandler creates a new ControlHandler.
func NewControlHandler(sched SchedulerControl, store services.Store, runner ScheduleRunner, builder ScheduleBuilder) *ControlHandler {
	return &ControlHandler{scheduler: sched, store: store, runner: runner, builder: builder}
}

// RegisterRoutes mounts the control endpoints on group.
func (h *ControlHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/reload", h.Reload)
	group.POST("/pause", h.Pause)
	group.POST("/resume", h.Resume)
	group.GET("/status", h.Status)
	group.GET("/schedules", h.ListSchedules)
	group.POST("/schedules", h.CreateSchedule)
	group.DELETE("/schedules/:id", h.DeleteSchedule)
	group.POST("/schedules/:id/send", h.SendNow)
}

func (h *ControlHandler) Reload(c *gin.Context) {
	h.scheduler.Reload()
	log.Info(c.Request.Context(), "Schedule reload requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "reload requested"})
}

func (h *ControlHandler) Pause(c *gin.Context) {
	h.scheduler.Pause()
	log.Info(c.Request.Context(), "Scheduler paused")
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *ControlHandler) Resume(c *gin.Context) {
	h.scheduler.Resume()
	log.Info(c.Request.Context(), "Scheduler resumed")
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (h *ControlHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

func (h *ControlHandler) ListSchedules(c *gin.Context) {
	schedules, err := h.store.ListSchedules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list schedules"})
		return
	}
	if schedules == nil {
		schedules = []*models.Schedule{}
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// CreateSchedule stores a new schedule and reloads the scheduler.
func (h *ControlHandler) CreateSchedule(c *gin.Context) {
	ctx := c.Request.Context()

	var req services.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	schedule, err := h.builder.BuildSchedule(ctx, req)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error(ctx, "Failed to build schedule", "error", err, "operation", "create_schedule")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to resolve channel"})
		return
	}

	if err := h.store.CreateSchedule(ctx, schedule); err != nil {
		if errors.Is(err, services.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store schedule"})
		return
	}

	h.scheduler.Reload()
	log.Info(ctx, "Schedule created",
		"schedule_id", schedule.ID,
		"channel_id", schedule.ChannelID,
		"crontab", schedule.Crontab,
	)
	c.JSON(http.StatusCreated, schedule)
}

// DeleteSchedule removes a schedule and reloads the scheduler.
func (h *ControlHandler) DeleteSchedule(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := h.store.DeleteSchedule(ctx, id); err != nil {
		if errors.Is(err, services.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete schedule"})
		return
	}

	h.scheduler.Reload()
	log.Info(ctx, "Schedule deleted", "schedule_id", id)
	c.Status(http.StatusNoContent)
}

// SendNow runs the schedule's job immediately and reports its result.
func (h *ControlHandler) SendNow(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	schedule, err := h.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load schedule"})
		return
	}

	// The run continues if the caller goes away.
	result, err := h.runner.Run(context.WithoutCancel(ctx), schedule)
	if err != nil {
		log.Error(ctx, "Send now failed", "error", err, "schedule_id", id, "operation", "send_now")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job failed", "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Health reports liveness.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

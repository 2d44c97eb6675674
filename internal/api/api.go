// Package api exposes the guard over HTTP with gin.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agies-dev/agies-guard/internal/guard"
	"github.com/agies-dev/agies-guard/pkg/schema"
)

// Guardian is the set of guard operations served over HTTP.
type Guardian interface {
	Classify(ctx context.Context, ev schema.AttackEvent) schema.ThreatAssessment
	Intelligence() schema.Intelligence
	ResetIntelligence()

	Admit(ctx context.Context, userID string, source schema.EntrySource, data any) (schema.Admission, error)
	Deposit(ctx context.Context, userID string, source schema.EntrySource, dataType schema.DataType, itemID string, data map[string]any) (schema.Deposit, error)
	EntryLog(userID string) []schema.EntryRecord

	Initiate(ctx context.Context, userID string, dataType schema.DataType, dataID string) (schema.InitiateResult, error)
	VerifyStep(ctx context.Context, userID, exitID string, step schema.Step, data map[string]string) (schema.StepResult, error)
	Execute(ctx context.Context, userID, exitID string) (schema.ExecuteResult, error)
	Attempt(ctx context.Context, userID, exitID string) (schema.ExitAttempt, error)
	Attempts(ctx context.Context, userID string) []schema.ExitAttempt

	DetectViolation(ctx context.Context, userID, action string) schema.Violation
	Statistics(ctx context.Context, userID string) schema.Statistics
	RecentEvents(n int) []schema.SecurityEvent

	Config() guard.Settings
	UpdateConfig(p guard.Patch) (guard.Settings, error)
}

type Handler struct {
	Guard Guardian
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch schema.CodeOf(err) {
	case schema.CodeInvalidArgument:
		return http.StatusBadRequest
	case schema.CodeVerificationFailed:
		return http.StatusUnauthorized
	case schema.CodeEntryDenied, schema.CodeUnauthorizedExit:
		return http.StatusForbidden
	case schema.CodeAttemptNotFound:
		return http.StatusNotFound
	case schema.CodeTokenExpiredOrUsed:
		return http.StatusGone
	case schema.CodeRateLimited:
		return http.StatusTooManyRequests
	case schema.CodeExportFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func abort(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var e *schema.Error
	if errors.As(err, &e) {
		body = gin.H{"error": e.Message, "code": e.Code}
	}
	c.JSON(statusFor(err), body)
}

// reply writes res with the status derived from err. Results carry their
// own code and reason, so the body is the same either way.
func reply(c *gin.Context, okStatus int, res any, err error) {
	if err != nil {
		c.JSON(statusFor(err), res)
		return
	}
	c.JSON(okStatus, res)
}

func (h *Handler) Classify(c *gin.Context) {
	var ev schema.AttackEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ev.SourceAddress == "" {
		ev.SourceAddress = c.ClientIP()
	}
	c.JSON(http.StatusOK, h.Guard.Classify(c.Request.Context(), ev))
}

func (h *Handler) GetIntelligence(c *gin.Context) {
	c.JSON(http.StatusOK, h.Guard.Intelligence())
}

func (h *Handler) ResetIntelligence(c *gin.Context) {
	h.Guard.ResetIntelligence()
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) Admit(c *gin.Context) {
	var input struct {
		Source schema.EntrySource `json:"source" binding:"required"`
		Data   any                `json:"data"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	adm, err := h.Guard.Admit(c.Request.Context(), c.Param("user"), input.Source, input.Data)
	reply(c, http.StatusOK, adm, err)
}

func (h *Handler) Deposit(c *gin.Context) {
	var input struct {
		Source schema.EntrySource `json:"source" binding:"required"`
		ItemID string             `json:"item_id"`
		Data   map[string]any     `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dep, err := h.Guard.Deposit(c.Request.Context(), c.Param("user"), input.Source,
		schema.DataType(c.Param("type")), input.ItemID, input.Data)
	reply(c, http.StatusCreated, dep, err)
}

func (h *Handler) EntryLog(c *gin.Context) {
	c.JSON(http.StatusOK, h.Guard.EntryLog(c.Param("user")))
}

func (h *Handler) Initiate(c *gin.Context) {
	var input struct {
		DataType schema.DataType `json:"data_type" binding:"required"`
		DataID   string          `json:"data_id"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.Guard.Initiate(c.Request.Context(), c.Param("user"), input.DataType, input.DataID)
	reply(c, http.StatusCreated, res, err)
}

func (h *Handler) VerifyStep(c *gin.Context) {
	data := map[string]string{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	res, err := h.Guard.VerifyStep(c.Request.Context(), c.Param("user"), c.Param("exit"),
		schema.Step(c.Param("step")), data)
	reply(c, http.StatusOK, res, err)
}

func (h *Handler) Execute(c *gin.Context) {
	res, err := h.Guard.Execute(c.Request.Context(), c.Param("user"), c.Param("exit"))
	reply(c, http.StatusOK, res, err)
}

func (h *Handler) GetAttempt(c *gin.Context) {
	attempt, err := h.Guard.Attempt(c.Request.Context(), c.Param("user"), c.Param("exit"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

func (h *Handler) GetAttempts(c *gin.Context) {
	c.JSON(http.StatusOK, h.Guard.Attempts(c.Request.Context(), c.Param("user")))
}

func (h *Handler) DetectViolation(c *gin.Context) {
	var input struct {
		Action string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.Guard.DetectViolation(c.Request.Context(), c.Param("user"), input.Action))
}

func (h *Handler) Statistics(c *gin.Context) {
	c.JSON(http.StatusOK, h.Guard.Statistics(c.Request.Context(), c.Query("user")))
}

func (h *Handler) RecentEvents(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, h.Guard.RecentEvents(limit))
}

func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.Guard.Config())
}

func (h *Handler) UpdateConfig(c *gin.Context) {
	var p guard.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.Guard.UpdateConfig(p)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

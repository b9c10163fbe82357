package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"studioSync/backend/internal/booking"
	"studioSync/backend/internal/cache"
	"studioSync/backend/internal/httpapi/middleware"
	"studioSync/backend/internal/protocol"
	"studioSync/backend/internal/store"
)

// BookingService is what the REST collaborator endpoints need; *booking.Service
// implements it.
type BookingService interface {
	CommitField(ctx context.Context, assignmentID, field string, value json.RawMessage, author string) (protocol.UpdateEvent, error)
	FetchCollection(ctx context.Context, recordDayID string) ([]protocol.Entity, error)
	Refresh(ctx context.Context, recordDayID string) error
	AddAssignments(ctx context.Context, recordDayID string, assignmentIDs []string) error
	RemoveAssignments(ctx context.Context, recordDayID string, assignmentIDs []string) (int64, error)
}

// EditorLister reports who has a record day open; *ws.Hub implements it.
type EditorLister interface {
	Editors(ctx context.Context, recordDayID string) ([]cache.PresenceMember, error)
}

type BookingHandler struct {
	svc     BookingService
	editors EditorLister
}

func NewBookingHandler(svc BookingService, editors EditorLister) *BookingHandler {
	return &BookingHandler{svc: svc, editors: editors}
}

// Register mounts the endpoints on g. The group is expected to require a session.
func (h *BookingHandler) Register(g *gin.RouterGroup) {
	g.GET("/record-days/:recordDayId/assignments", h.FetchCollection())
	g.POST("/record-days/:recordDayId/assignments", h.AddAssignments())
	g.DELETE("/record-days/:recordDayId/assignments", h.RemoveAssignments())
	g.POST("/record-days/:recordDayId/refresh", h.Refresh())
	g.GET("/record-days/:recordDayId/editors", h.Editors())
	g.PATCH("/assignments/:assignmentId", h.CommitField())
}

type commitReq struct {
	Field string          `json:"field" binding:"required"`
	Value json.RawMessage `json:"value"`
}

type assignmentsReq struct {
	AssignmentIDs []string `json:"assignmentIds" binding:"required,min=1"`
}

func (h *BookingHandler) CommitField() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req commitReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
			return
		}
		evt, err := h.svc.CommitField(c.Request.Context(), c.Param("assignmentId"), req.Field, req.Value, middleware.Username(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, protocol.Update(evt))
	}
}

func (h *BookingHandler) FetchCollection() gin.HandlerFunc {
	return func(c *gin.Context) {
		recordDayID := c.Param("recordDayId")
		entities, err := h.svc.FetchCollection(c.Request.Context(), recordDayID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"recordDayId": recordDayID, "assignments": entities})
	}
}

func (h *BookingHandler) Refresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.Refresh(c.Request.Context(), c.Param("recordDayId")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func (h *BookingHandler) AddAssignments() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req assignmentsReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
			return
		}
		if err := h.svc.AddAssignments(c.Request.Context(), c.Param("recordDayId"), req.AssignmentIDs); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"added": len(req.AssignmentIDs)})
	}
}

func (h *BookingHandler) RemoveAssignments() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req assignmentsReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
			return
		}
		n, err := h.svc.RemoveAssignments(c.Request.Context(), c.Param("recordDayId"), req.AssignmentIDs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": n})
	}
}

func (h *BookingHandler) Editors() gin.HandlerFunc {
	return func(c *gin.Context) {
		recordDayID := c.Param("recordDayId")
		members, err := h.editors.Editors(c.Request.Context(), recordDayID)
		if err != nil {
			writeError(c, err)
			return
		}
		if members == nil {
			members = []cache.PresenceMember{}
		}
		c.JSON(http.StatusOK, gin.H{"recordDayId": recordDayID, "editors": members})
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, store.ErrAssignmentNotFound):
		status, code = http.StatusNotFound, "ASSIGNMENT_NOT_FOUND"
	case errors.Is(err, store.ErrAssignmentExists):
		status, code = http.StatusConflict, "ASSIGNMENT_EXISTS"
	case errors.Is(err, store.ErrInvalidField), errors.Is(err, protocol.ErrMalformed):
		status, code = http.StatusBadRequest, "INVALID_FIELD"
	case errors.Is(err, booking.ErrBusy):
		status, code = http.StatusServiceUnavailable, "BUSY"
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Package api is the operator HTTP surface over the roster service.
package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kinovino/rosterbot/internal/auth"
	"github.com/kinovino/rosterbot/internal/export"
	"github.com/kinovino/rosterbot/internal/middleware"
	"github.com/kinovino/rosterbot/internal/models"
	"github.com/kinovino/rosterbot/internal/roster"
	"github.com/kinovino/rosterbot/pkg/response"
)

// Roster is the command surface the API drives; *roster.Service implements it.
type Roster interface {
	CreateEvent(ctx context.Context, actorID int64, d models.Draft) (*models.Event, error)
	Join(ctx context.Context, eventID int64, p models.Participant) (*models.Event, roster.JoinResult, error)
	Leave(ctx context.Context, eventID, actorID int64) (*models.Event, roster.LeaveResult, error)
	SetCapacity(ctx context.Context, actorID, eventID int64, capacity int) (*models.Event, error)
	Edit(ctx context.Context, actorID, eventID int64, field models.Field, value string) (*models.Event, error)
	ManualAdd(ctx context.Context, actorID, eventID int64, actorIDs []int64) (*roster.AddResult, error)
	ManualRemove(ctx context.Context, actorID, eventID, targetID int64) (*models.Event, roster.LeaveResult, error)
	Delete(ctx context.Context, actorID, eventID int64) error
	Export(ctx context.Context, actorID, eventID int64) (*models.Event, []export.Row, error)
	Get(ctx context.Context, eventID int64) (*models.Event, error)
	List(ctx context.Context) ([]*models.Event, error)
	Participant(ctx context.Context, actorID int64) models.Participant
	Policy() *auth.Policy
}

// Archiver stores an export and returns a download link.
type Archiver interface {
	Archive(ctx context.Context, eventID int64, rows []export.Row) (url, key string, err error)
}

// CreateRequest is the body for POST /events.
type CreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Schedule    string `json:"schedule" binding:"required"`
	Capacity    int    `json:"capacity" binding:"required"`
	Location    string `json:"location"`
	Description string `json:"description"`
	MediaRef    string `json:"media_ref"`
}

// MemberRequest is the body for join and leave. ActorID defaults to the caller.
type MemberRequest struct {
	ActorID     int64  `json:"actor_id"`
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle"`
}

// CapacityRequest is the body for PUT /events/:id/capacity.
type CapacityRequest struct {
	Capacity int `json:"capacity" binding:"required"`
}

// EditRequest is the body for PATCH /events/:id.
type EditRequest struct {
	Field string `json:"field" binding:"required"`
	Value string `json:"value"`
}

// AddRequest is the body for POST /events/:id/participants.
type AddRequest struct {
	ActorIDs []int64 `json:"actor_ids" binding:"required"`
}

// Handler handles event HTTP endpoints.
type Handler struct {
	roster   Roster
	archiver Archiver
	logger   *zap.Logger
}

// NewHandler creates an event handler. archiver may be nil when no bucket is configured.
func NewHandler(r Roster, archiver Archiver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{roster: r, archiver: archiver, logger: logger}
}

// Create handles POST /events.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ev, err := h.roster.CreateEvent(c.Request.Context(), middleware.ActorID(c), models.Draft{
		Title:       req.Title,
		Schedule:    req.Schedule,
		Capacity:    req.Capacity,
		Location:    req.Location,
		Description: req.Description,
		MediaRef:    req.MediaRef,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, ev)
}

// List handles GET /events (admin only).
func (h *Handler) List(c *gin.Context) {
	events, err := h.roster.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	response.OK(c, events)
}

// GetByID handles GET /events/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	ev, err := h.roster.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, ev)
}

// Join handles POST /events/:id/join. Joining on behalf of someone else
// requires manage rights on the event. Without a display name the actor is
// looked up in the identity directory.
func (h *Handler) Join(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	req, ok := h.member(c, id)
	if !ok {
		return
	}
	p := models.Participant{ActorID: req.ActorID, DisplayName: req.DisplayName, Handle: req.Handle}
	if p.DisplayName == "" {
		p = h.roster.Participant(c.Request.Context(), req.ActorID)
		if req.Handle != "" {
			p.Handle = req.Handle
		}
	}
	ev, res, err := h.roster.Join(c.Request.Context(), id, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"result": res, "event": ev})
}

// Leave handles POST /events/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	req, ok := h.member(c, id)
	if !ok {
		return
	}
	ev, res, err := h.roster.Leave(c.Request.Context(), id, req.ActorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"result": res, "event": ev})
}

// SetCapacity handles PUT /events/:id/capacity.
func (h *Handler) SetCapacity(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var req CapacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ev, err := h.roster.SetCapacity(c.Request.Context(), middleware.ActorID(c), id, req.Capacity)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, ev)
}

// Update handles PATCH /events/:id.
func (h *Handler) Update(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	field, ok := models.ParseField(req.Field)
	if !ok {
		response.BadRequest(c, "unknown field: "+req.Field)
		return
	}
	ev, err := h.roster.Edit(c.Request.Context(), middleware.ActorID(c), id, field, req.Value)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, ev)
}

// AddParticipants handles POST /events/:id/participants.
func (h *Handler) AddParticipants(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.roster.ManualAdd(c.Request.Context(), middleware.ActorID(c), id, req.ActorIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	dups := res.Duplicates
	if dups == nil {
		dups = []int64{}
	}
	response.OK(c, gin.H{
		"event":      res.Event,
		"added":      res.Added,
		"duplicates": dups,
		"overbooked": res.Event.Overbooked(),
	})
}

// RemoveParticipant handles DELETE /events/:id/participants/:actorId.
func (h *Handler) RemoveParticipant(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	target, err := strconv.ParseInt(c.Param("actorId"), 10, 64)
	if err != nil || target <= 0 {
		response.BadRequest(c, "invalid actor id")
		return
	}
	ev, res, err := h.roster.ManualRemove(c.Request.Context(), middleware.ActorID(c), id, target)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"result": res, "event": ev})
}

// Delete handles DELETE /events/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	if err := h.roster.Delete(c.Request.Context(), middleware.ActorID(c), id); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

// Export handles GET /events/:id/export: CSV by default, ?format=json for
// rows, ?archive=1 to upload the CSV and return a presigned link.
func (h *Handler) Export(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	_, rows, err := h.roster.Export(c.Request.Context(), middleware.ActorID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if archive, _ := strconv.ParseBool(c.Query("archive")); archive {
		if h.archiver == nil {
			response.ServiceUnavailable(c, "export archive not configured")
			return
		}
		url, key, err := h.archiver.Archive(c.Request.Context(), id, rows)
		if err != nil {
			h.logger.Error("archive export failed", zap.Int64("event_id", id), zap.Error(err))
			response.Internal(c, "failed to archive export")
			return
		}
		response.OK(c, gin.H{"url": url, "key": key})
		return
	}
	if c.Query("format") == "json" {
		response.OK(c, rows)
		return
	}
	body, err := export.CSV(rows)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Attachment(c, export.Filename(id), export.ContentType, body)
}

// member binds a join/leave body and checks that the caller may act for its actor.
func (h *Handler) member(c *gin.Context, eventID int64) (MemberRequest, bool) {
	var req MemberRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return req, false
		}
	}
	caller := middleware.ActorID(c)
	if req.ActorID == 0 {
		req.ActorID = caller
	}
	if req.ActorID < 0 {
		response.BadRequest(c, "invalid actor id")
		return req, false
	}
	if req.ActorID == caller {
		return req, true
	}
	ev, err := h.roster.Get(c.Request.Context(), eventID)
	if err != nil {
		h.fail(c, err)
		return req, false
	}
	if !h.roster.Policy().CanManage(caller, ev) {
		response.Forbidden(c, "only an admin or the event creator can act for another participant")
		return req, false
	}
	return req, true
}

// fail maps the roster error taxonomy to a status code.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, roster.ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, roster.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, roster.ErrForbidden):
		response.Forbidden(c, err.Error())
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		_ = c.Error(err)
		response.Internal(c, "internal error, nothing was changed")
	}
}

func eventID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid event id")
		return 0, false
	}
	return id, true
}

package triage

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mindlog/triage/internal/platform/auth"
	"github.com/mindlog/triage/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/triage",
		auth.RequireRole(auth.RoleCounselor, auth.RoleCenterAdmin),
		auth.RequireCenter())
	g.GET("/inbox", h.GetInbox)
	g.GET("/actions", h.ListActions)
	g.GET("/interventions", h.ListInterventions)
	g.GET("/events/:id/interventions", h.ListEventInterventions)
	g.POST("/events/:id/review", h.MarkReviewed)
	g.POST("/events/:id/interventions", h.RecordIntervention)
}

// scopeFromContext limits counselors to their own patients. Center admins
// see the whole center.
func scopeFromContext(c echo.Context) (Scope, error) {
	ctx := c.Request().Context()
	scope := Scope{CenterID: auth.CenterIDFromContext(ctx)}
	if auth.HasRole(ctx, auth.RoleCenterAdmin) {
		return scope, nil
	}
	counselor, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return scope, echo.NewHTTPError(http.StatusForbidden, "counselor identity is not a valid id")
	}
	scope.CounselorID = &counselor
	return scope, nil
}

func parseEventID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid event id")
	}
	return id, nil
}

// toHTTPError maps triage errors onto status codes. Write failures are 503
// so clients treat them as retryable.
func toHTTPError(err error) error {
	var write *WriteFailure
	switch {
	case errors.Is(err, ErrCenterRequired):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrEventNotFound), errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidRiskLevel), errors.Is(err, ErrUnknownAction),
		errors.Is(err, ErrPatientMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &write):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) GetInbox(c echo.Context) error {
	scope, err := scopeFromContext(c)
	if err != nil {
		return err
	}
	q := InboxQuery{Scope: scope, Search: strings.TrimSpace(c.QueryParam("q"))}
	if v := c.QueryParam("days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid days")
		}
		q.Days = days
	}
	if v := c.QueryParam("deviation"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid deviation")
		}
		q.Deviation = &on
	}
	inbox, err := h.svc.Inbox(c.Request().Context(), q)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inbox)
}

func (h *Handler) MarkReviewed(c echo.Context) error {
	scope, err := scopeFromContext(c)
	if err != nil {
		return err
	}
	id, err := parseEventID(c)
	if err != nil {
		return err
	}
	if err := h.svc.MarkReviewed(c.Request().Context(), scope, id); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"event_id": id, "reviewed": true})
}

type interventionRequest struct {
	PatientID    uuid.UUID `json:"patient_id"`
	RiskLevel    RiskLevel `json:"risk_level"`
	ActionsTaken []Action  `json:"actions_taken"`
	Note         *string   `json:"note"`
}

func (h *Handler) RecordIntervention(c echo.Context) error {
	scope, err := scopeFromContext(c)
	if err != nil {
		return err
	}
	id, err := parseEventID(c)
	if err != nil {
		return err
	}
	var req interventionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.RecordIntervention(c.Request().Context(), scope, InterventionInput{
		EventID:   id,
		PatientID: req.PatientID,
		RiskLevel: req.RiskLevel,
		Actions:   req.ActionsTaken,
		Note:      req.Note,
	})
	var partial *PartialCascadeFailure
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, rec)
	case errors.As(err, &partial):
		return c.JSON(http.StatusMultiStatus, map[string]interface{}{
			"intervention":   rec,
			"review_pending": true,
			"error":          partial.Err.Error(),
		})
	default:
		return toHTTPError(err)
	}
}

func (h *Handler) ListEventInterventions(c echo.Context) error {
	scope, err := scopeFromContext(c)
	if err != nil {
		return err
	}
	id, err := parseEventID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.EventInterventions(c.Request().Context(), scope, id)
	if err != nil {
		return toHTTPError(err)
	}
	if items == nil {
		items = []*InterventionRecord{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListInterventions(c echo.Context) error {
	scope, err := scopeFromContext(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInterventions(c.Request().Context(), scope, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListActions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Actions())
}

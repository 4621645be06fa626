package consolidation

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chartflow/chartflow/internal/domain/encounter"
	"github.com/chartflow/chartflow/internal/domain/record"
	"github.com/chartflow/chartflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:id/encounters", h.OpenEncounter)
	api.POST("/patients/:id/encounters/:encounter_id/dictation", h.ProcessDictation)
	api.POST("/patients/:id/encounters/:encounter_id/edits", h.ProcessEdit)
	api.POST("/patients/:id/attachments/:attachment_id/process", h.ProcessAttachment)
	api.POST("/encounters/:id/sign", h.SignEncounter)
	api.GET("/patients/:id/chart/:entity_type", h.GetChartSection)
}

type processRequest struct {
	Text string `json:"text"`
}

type signRequest struct {
	SignedBy *uuid.UUID `json:"signed_by,omitempty"`
}

func (h *Handler) OpenEncounter(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	enc, err := h.svc.OpenEncounter(c.Request().Context(), patientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, enc)
}

func (h *Handler) ProcessDictation(c echo.Context) error {
	return h.processEncounterText(c, h.svc.ProcessDictation)
}

func (h *Handler) ProcessEdit(c echo.Context) error {
	return h.processEncounterText(c, h.svc.ProcessEdit)
}

func (h *Handler) processEncounterText(c echo.Context, process func(context.Context, uuid.UUID, uuid.UUID, string) (*ChartProcessingResult, error)) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	encounterID, err := uuid.Parse(c.Param("encounter_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid encounter id")
	}
	var req processRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := process(c.Request().Context(), patientID, encounterID, req.Text)
	switch {
	case errors.Is(err, ErrEncounterSigned):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, encounter.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ProcessAttachment(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	attachmentID, err := uuid.Parse(c.Param("attachment_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid attachment id")
	}
	var req processRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.svc.ProcessAttachment(c.Request().Context(), patientID, attachmentID, req.Text)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) SignEncounter(c echo.Context) error {
	encounterID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid encounter id")
	}
	var req signRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	err = h.svc.Sign(c.Request().Context(), encounterID, req.SignedBy)
	switch {
	case errors.Is(err, encounter.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetChartSection(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	entityType := record.EntityType(c.Param("entity_type"))
	if !entityType.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid entity type")
	}

	p := pagination.FromContext(c)
	recs, total, err := h.svc.ChartSection(c.Request().Context(), patientID, entityType, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, p.Limit, p.Offset))
}

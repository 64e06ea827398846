package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/checkins"
	"github.com/MarcoPoloResearchLab/footprint/internal/geo"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorInvalidRequest = "invalid_request"
	errorUnauthorized   = "unauthorized"
	errorForbidden      = "forbidden"
	errorNotFound       = "not_found"
	errorRateLimited    = "rate_limited"
	errorInternal       = "internal_error"

	dateLayout = "2006-01-02"
)

type markerQueryPayload struct {
	Latitude      *float64 `form:"latitude" binding:"omitempty,gte=-90,lte=90"`
	Longitude     *float64 `form:"longitude" binding:"omitempty,gte=-180,lte=180"`
	Radius        *float64 `form:"radius" binding:"omitempty,gte=0.1,lte=1000"`
	IncludePublic *bool    `form:"includePublic"`
}

type listQueryPayload struct {
	Page          int    `form:"page" binding:"omitempty,min=1"`
	PageSize      int    `form:"pageSize" binding:"omitempty,min=1,max=100"`
	StartDate     string `form:"startDate" binding:"omitempty,datetime=2006-01-02"`
	EndDate       string `form:"endDate" binding:"omitempty,datetime=2006-01-02"`
	IncludePublic *bool  `form:"includePublic"`
}

type checkinInputPayload struct {
	Latitude  *float64 `json:"latitude" binding:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" binding:"required,gte=-180,lte=180"`
	Address   string   `json:"address" binding:"required,max=512"`
	Content   string   `json:"content" binding:"max=2000"`
	Images    []string `json:"images" binding:"max=9"`
	IsPublic  bool     `json:"isPublic"`
}

type auditPayload struct {
	Status string `json:"status" binding:"required,oneof=approved rejected"`
	Remark string `json:"remark" binding:"max=512"`
}

type checkinPayload struct {
	ID          string     `json:"id"`
	OwnerUserID string     `json:"ownerUserId"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	Address     string     `json:"address"`
	Content     string     `json:"content"`
	Images      []string   `json:"images"`
	IsPublic    bool       `json:"isPublic"`
	AuditStatus string     `json:"auditStatus"`
	AuditRemark string     `json:"auditRemark,omitempty"`
	AuditedBy   string     `json:"auditedBy,omitempty"`
	AuditedAt   *time.Time `json:"auditedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type pagePayload struct {
	List     []checkinPayload `json:"list"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}

func (h *httpHandler) handleMapMarkers(c *gin.Context) {
	var request markerQueryPayload
	if err := c.ShouldBindQuery(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}

	query := checkins.MarkerQuery{
		Latitude:      request.Latitude,
		Longitude:     request.Longitude,
		RadiusKm:      geo.DefaultRadiusKm,
		IncludePublic: true,
	}
	if request.Radius != nil {
		query.RadiusKm = *request.Radius
	}
	if request.IncludePublic != nil {
		query.IncludePublic = *request.IncludePublic
	}

	records, err := h.checkinsService.GetMapMarkers(c.Request.Context(), viewerFrom(c), query)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := make([]checkinPayload, 0, len(records))
	for _, record := range records {
		response = append(response, newCheckinPayload(record))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListCheckins(c *gin.Context) {
	var request listQueryPayload
	if err := c.ShouldBindQuery(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}

	query := checkins.ListQuery{
		Page:          request.Page,
		PageSize:      request.PageSize,
		IncludePublic: true,
	}
	if request.IncludePublic != nil {
		query.IncludePublic = *request.IncludePublic
	}
	if request.StartDate != "" {
		startDate, err := time.Parse(dateLayout, request.StartDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
			return
		}
		query.StartDate = &startDate
	}
	if request.EndDate != "" {
		endDate, err := time.Parse(dateLayout, request.EndDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
			return
		}
		query.EndDate = &endDate
	}

	page, err := h.checkinsService.ListCheckins(c.Request.Context(), viewerFrom(c), query)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := pagePayload{
		List:     make([]checkinPayload, 0, len(page.List)),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for _, record := range page.List {
		response.List = append(response.List, newCheckinPayload(record))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetCheckin(c *gin.Context) {
	record, err := h.checkinsService.GetCheckin(c.Request.Context(), viewerFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCheckinPayload(record))
}

func (h *httpHandler) handleCreateCheckin(c *gin.Context) {
	var request checkinInputPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	record, err := h.checkinsService.CreateCheckin(c.Request.Context(), viewerFrom(c), request.toInput())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newCheckinPayload(record))
}

func (h *httpHandler) handleUpdateCheckin(c *gin.Context) {
	var request checkinInputPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	record, err := h.checkinsService.UpdateCheckin(c.Request.Context(), viewerFrom(c), c.Param("id"), request.toInput())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCheckinPayload(record))
}

func (h *httpHandler) handleDeleteCheckin(c *gin.Context) {
	if err := h.checkinsService.DeleteCheckin(c.Request.Context(), viewerFrom(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAuditCheckin(c *gin.Context) {
	var request auditPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	decision := checkins.AuditDecision{Status: checkins.AuditStatus(request.Status), Remark: request.Remark}
	record, err := h.checkinsService.AuditCheckin(c.Request.Context(), viewerFrom(c), c.Param("id"), decision)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCheckinPayload(record))
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, stable := classifyError(err)
	body := gin.H{"error": stable}
	var serviceErr *checkins.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("checkins request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, checkins.ErrInvalidRequest):
		return http.StatusBadRequest, errorInvalidRequest
	case errors.Is(err, checkins.ErrNotFound):
		return http.StatusNotFound, errorNotFound
	case errors.Is(err, checkins.ErrForbidden):
		return http.StatusForbidden, errorForbidden
	default:
		return http.StatusInternalServerError, errorInternal
	}
}

func (p checkinInputPayload) toInput() checkins.CheckinInput {
	input := checkins.CheckinInput{
		Address:  p.Address,
		Content:  p.Content,
		Images:   p.Images,
		IsPublic: p.IsPublic,
	}
	if p.Latitude != nil {
		input.Latitude = *p.Latitude
	}
	if p.Longitude != nil {
		input.Longitude = *p.Longitude
	}
	return input
}

func newCheckinPayload(record checkins.Record) checkinPayload {
	images := record.Images
	if images == nil {
		images = []string{}
	}
	payload := checkinPayload{
		ID:          record.ID,
		OwnerUserID: record.OwnerUserID,
		Latitude:    record.Latitude,
		Longitude:   record.Longitude,
		Address:     record.Address,
		Content:     record.Content,
		Images:      images,
		IsPublic:    record.IsPublic,
		AuditStatus: string(record.AuditStatus),
		AuditRemark: record.AuditRemark,
		AuditedBy:   record.AuditedBy,
		CreatedAt:   time.Unix(record.CreatedAtSeconds, 0).UTC(),
		UpdatedAt:   time.Unix(record.UpdatedAtSeconds, 0).UTC(),
	}
	if record.AuditedAtSeconds > 0 {
		auditedAt := time.Unix(record.AuditedAtSeconds, 0).UTC()
		payload.AuditedAt = &auditedAt
	}
	return payload
}

package checkins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/geo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultPageSize applies when a list request omits the page size.
	DefaultPageSize = 20
	// MaxPageSize bounds a single list page.
	MaxPageSize = 100

	queryActive         = "status = ?"
	queryByID           = "id = ?"
	queryLatitudeRange  = "latitude BETWEEN ? AND ?"
	queryLongitudeRange = "longitude BETWEEN ? AND ?"
	queryCreatedFrom    = "created_at_s >= ?"
	queryCreatedBefore  = "created_at_s < ?"
	orderNewestFirst    = "created_at_s DESC, id DESC"
	fieldViewerID       = "viewer_id"
	fieldCheckinID      = "checkin_id"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the check-in service.
type ServiceConfig struct {
	Database   *gorm.DB
	Partners   PartnerLookup
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service answers map-marker, list and single-record reads and applies lifecycle writes.
type Service struct {
	db         *gorm.DB
	resolver   *Resolver
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Partners == nil {
		return nil, newServiceError(opServiceNew, reasonPartnerLookup, errMissingPartners)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		resolver:   NewResolver(cfg.Partners),
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// MarkerQuery describes a map viewport. Latitude and Longitude are optional but must be
// supplied together; RadiusKm of zero means geo.DefaultRadiusKm.
type MarkerQuery struct {
	Latitude      *float64
	Longitude     *float64
	RadiusKm      float64
	IncludePublic bool
}

func (q MarkerQuery) center() (*geo.Point, float64, error) {
	radius := q.RadiusKm
	if radius == 0 {
		radius = geo.DefaultRadiusKm
	}
	if q.Latitude == nil && q.Longitude == nil {
		return nil, radius, nil
	}
	if q.Latitude == nil || q.Longitude == nil {
		return nil, 0, errors.New("latitude and longitude must be supplied together")
	}
	point, err := geo.NewPoint(*q.Latitude, *q.Longitude)
	if err != nil {
		return nil, 0, err
	}
	if err := geo.ValidateRadius(radius); err != nil {
		return nil, 0, err
	}
	return &point, radius, nil
}

// ListQuery describes a paginated list request. Date bounds are inclusive calendar days in UTC.
type ListQuery struct {
	Page          int
	PageSize      int
	StartDate     *time.Time
	EndDate       *time.Time
	IncludePublic bool
}

// Page is one page of visible records.
type Page struct {
	List     []Record
	Total    int64
	Page     int
	PageSize int
}

// GetMapMarkers returns the records visible to viewer inside the viewport, newest first.
func (s *Service) GetMapMarkers(ctx context.Context, viewer Viewer, query MarkerQuery) ([]Record, error) {
	if s.db == nil {
		s.logError(opGetMapMarkers, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opGetMapMarkers, reasonMissingDatabase, errMissingDatabase)
	}

	center, radius, err := query.center()
	if err != nil {
		return nil, newServiceError(opGetMapMarkers, reasonInvalidRequest, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}

	visibility, err := s.resolveVisible(ctx, opGetMapMarkers, viewer, query.IncludePublic)
	if err != nil {
		return nil, err
	}

	db := whereVisible(s.db.WithContext(ctx).Model(&Record{}), visibility)
	if center != nil {
		box := geo.NewBoundingBox(*center, radius)
		minLat, maxLat := box.LatitudeRange()
		db = db.Where(queryLatitudeRange, minLat, maxLat)
		if minLon, maxLon, bounded := box.LongitudeRange(); bounded && minLon >= -180 && maxLon <= 180 {
			db = db.Where(queryLongitudeRange, minLon, maxLon)
		}
	}

	var candidates []Record
	if err := db.Find(&candidates).Error; err != nil {
		s.logError(opGetMapMarkers, reasonQueryFailed, err, zap.String(fieldViewerID, viewer.UserID))
		return nil, newServiceError(opGetMapMarkers, reasonQueryFailed, err)
	}

	markers, err := FilterByRadius(candidates, center, radius)
	if err != nil {
		s.logError(opGetMapMarkers, reasonFilterFailed, err)
		return nil, newServiceError(opGetMapMarkers, reasonFilterFailed, err)
	}
	return markers, nil
}

// ListCheckins returns a page of visible records, newest first.
func (s *Service) ListCheckins(ctx context.Context, viewer Viewer, query ListQuery) (Page, error) {
	if s.db == nil {
		s.logError(opListCheckins, reasonMissingDatabase, errMissingDatabase)
		return Page{}, newServiceError(opListCheckins, reasonMissingDatabase, errMissingDatabase)
	}

	page, pageSize, err := normalizePaging(query.Page, query.PageSize)
	if err != nil {
		return Page{}, newServiceError(opListCheckins, reasonInvalidRequest, err)
	}
	if query.StartDate != nil && query.EndDate != nil && startOfDay(*query.StartDate).After(startOfDay(*query.EndDate)) {
		return Page{}, newServiceError(opListCheckins, reasonInvalidRequest,
			fmt.Errorf("%w: start date after end date", ErrInvalidRequest))
	}

	visibility, err := s.resolveVisible(ctx, opListCheckins, viewer, query.IncludePublic)
	if err != nil {
		return Page{}, err
	}

	db := whereVisible(s.db.WithContext(ctx).Model(&Record{}), visibility)
	if query.StartDate != nil {
		db = db.Where(queryCreatedFrom, startOfDay(*query.StartDate).Unix())
	}
	if query.EndDate != nil {
		db = db.Where(queryCreatedBefore, startOfDay(*query.EndDate).AddDate(0, 0, 1).Unix())
	}
	db = db.Session(&gorm.Session{})

	var total int64
	if err := db.Count(&total).Error; err != nil {
		s.logError(opListCheckins, reasonCountFailed, err, zap.String(fieldViewerID, viewer.UserID))
		return Page{}, newServiceError(opListCheckins, reasonCountFailed, err)
	}

	records := make([]Record, 0, pageSize)
	if err := db.Order(orderNewestFirst).
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error; err != nil {
		s.logError(opListCheckins, reasonQueryFailed, err, zap.String(fieldViewerID, viewer.UserID))
		return Page{}, newServiceError(opListCheckins, reasonQueryFailed, err)
	}

	return Page{List: records, Total: total, Page: page, PageSize: pageSize}, nil
}

// GetCheckin returns a single record. Absent and invisible records both yield ErrNotFound.
func (s *Service) GetCheckin(ctx context.Context, viewer Viewer, rawID string) (Record, error) {
	if s.db == nil {
		s.logError(opGetCheckin, reasonMissingDatabase, errMissingDatabase)
		return Record{}, newServiceError(opGetCheckin, reasonMissingDatabase, errMissingDatabase)
	}
	id, err := NewCheckinID(rawID)
	if err != nil {
		return Record{}, newServiceError(opGetCheckin, reasonNotFound, fmt.Errorf("%w: %v", ErrNotFound, err))
	}

	record, err := s.loadActive(ctx, s.db, opGetCheckin, id)
	if err != nil {
		return Record{}, err
	}

	visibility, err := s.resolveVisible(ctx, opGetCheckin, viewer, true)
	if err != nil {
		return Record{}, err
	}
	if !visibility.Allows(record) {
		s.loggerOrDefault().Debug("checkin hidden from viewer",
			zap.String(fieldCheckinID, id.String()),
			zap.String(fieldViewerID, viewer.UserID))
		return Record{}, newServiceError(opGetCheckin, reasonNotFound, ErrNotFound)
	}
	return record, nil
}

func (s *Service) loadActive(ctx context.Context, db *gorm.DB, operation string, id CheckinID) (Record, error) {
	var record Record
	err := db.WithContext(ctx).
		Where(queryByID, id.String()).
		Where(queryActive, LifecycleActive).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newServiceError(operation, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldCheckinID, id.String()))
		return Record{}, newServiceError(operation, reasonQueryFailed, err)
	}
	return record, nil
}

func (s *Service) resolveVisible(ctx context.Context, operation string, viewer Viewer, includePublic bool) (Visibility, error) {
	visibility, err := s.resolver.ResolveVisible(ctx, viewer, includePublic)
	if err == nil {
		return visibility, nil
	}
	if errors.Is(err, ErrInvalidRequest) {
		return Visibility{}, newServiceError(operation, reasonInvalidRequest, err)
	}
	s.logError(operation, reasonPartnerLookup, err, zap.String(fieldViewerID, viewer.UserID))
	return Visibility{}, newServiceError(operation, reasonPartnerLookup, err)
}

func whereVisible(db *gorm.DB, visibility Visibility) *gorm.DB {
	condition, args := visibility.condition()
	return db.Where(queryActive, LifecycleActive).Where(condition, args...)
}

func normalizePaging(page, pageSize int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be greater than 0", ErrInvalidRequest)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return 0, 0, fmt.Errorf("%w: page size must be between 1 and %d", ErrInvalidRequest, MaxPageSize)
	}
	return page, pageSize, nil
}

func startOfDay(value time.Time) time.Time {
	utc := value.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("checkins service error", attrs...)
}

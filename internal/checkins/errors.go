package checkins

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest indicates a request that can never succeed as issued,
	// such as a private-only view without an identity.
	ErrInvalidRequest = errors.New("checkins: invalid request")
	// ErrNotFound indicates a record that is absent or invisible to the caller.
	ErrNotFound = errors.New("checkins: not found")
	// ErrForbidden indicates a visible record the caller may not modify.
	ErrForbidden = errors.New("checkins: forbidden")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingPartners   = errors.New("partner lookup is required")
)

// ServiceError carries a stable dotted code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code, e.g. checkins.get_map_markers.invalid_request.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "checkins.service.new"
	opGetMapMarkers  = "checkins.get_map_markers"
	opListCheckins   = "checkins.list_checkins"
	opGetCheckin     = "checkins.get_checkin"
	opCreateCheckin  = "checkins.create_checkin"
	opUpdateCheckin  = "checkins.update_checkin"
	opDeleteCheckin  = "checkins.delete_checkin"
	opAuditCheckin   = "checkins.audit_checkin"
	opResolveVisible = "checkins.resolve_visible"

	reasonMissingDatabase   = "missing_database"
	reasonInvalidRequest    = "invalid_request"
	reasonNotFound          = "not_found"
	reasonForbidden         = "forbidden"
	reasonPartnerLookup     = "partner_lookup_failed"
	reasonQueryFailed       = "query_failed"
	reasonCountFailed       = "count_failed"
	reasonSaveFailed        = "save_failed"
	reasonIDGeneration      = "id_generation_failed"
	reasonFilterFailed      = "filter_failed"
	reasonMissingIDProvider = "missing_id_provider"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

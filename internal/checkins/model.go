package checkins

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/footprint/internal/geo"
)

// AuditStatus enumerates moderation outcomes.
type AuditStatus string

const (
	// AuditStatusPending marks a record awaiting review.
	AuditStatusPending AuditStatus = "pending"
	// AuditStatusApproved marks a record cleared by a moderator.
	AuditStatusApproved AuditStatus = "approved"
	// AuditStatusRejected hides a record from everyone except its owner.
	AuditStatusRejected AuditStatus = "rejected"
)

// LifecycleStatus enumerates record lifecycle states.
type LifecycleStatus string

const (
	// LifecycleActive marks a live record.
	LifecycleActive LifecycleStatus = "active"
	// LifecycleDeleted marks a soft-deleted record. Deleted records are never returned.
	LifecycleDeleted LifecycleStatus = "deleted"
)

const (
	maxIdentifierLength = 190
	maxAddressLength    = 512
	maxContentLength    = 2000
	maxImages           = 9
	maxImageURLLength   = 1024
)

var (
	// ErrInvalidCheckinID indicates an empty or oversized record identifier.
	ErrInvalidCheckinID = errors.New("checkins: invalid checkin id")
	// ErrInvalidCheckinInput indicates that a create or edit payload failed validation.
	ErrInvalidCheckinInput = errors.New("checkins: invalid checkin input")
	// ErrInvalidAuditStatus indicates an audit decision other than approved or rejected.
	ErrInvalidAuditStatus = errors.New("checkins: invalid audit status")
)

// Record is the authoritative, server-owned check-in.
type Record struct {
	ID               string          `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerUserID      string          `gorm:"column:owner_user_id;size:190;not null;index:idx_checkins_owner_created,priority:1"`
	Latitude         float64         `gorm:"column:latitude;not null;index:idx_checkins_lat_lon,priority:1"`
	Longitude        float64         `gorm:"column:longitude;not null;index:idx_checkins_lat_lon,priority:2"`
	Address          string          `gorm:"column:address;size:512;not null"`
	Content          string          `gorm:"column:content;type:text;not null;default:''"`
	Images           []string        `gorm:"column:images_json;type:text;serializer:json"`
	IsPublic         bool            `gorm:"column:is_public;not null;default:false;index:idx_checkins_public"`
	Status           LifecycleStatus `gorm:"column:status;size:16;not null;default:'active'"`
	AuditStatus      AuditStatus     `gorm:"column:audit_status;size:16;not null;default:'pending'"`
	AuditRemark      string          `gorm:"column:audit_remark;size:512;not null;default:''"`
	AuditedBy        string          `gorm:"column:audited_by;size:190;not null;default:''"`
	AuditedAtSeconds int64           `gorm:"column:audited_at_s;not null;default:0"`
	CreatedAtSeconds int64           `gorm:"column:created_at_s;not null;index:idx_checkins_owner_created,priority:2;index:idx_checkins_created"`
	UpdatedAtSeconds int64           `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "checkins"
}

// Location returns the record coordinates.
func (r Record) Location() geo.Point {
	return geo.Point{Latitude: r.Latitude, Longitude: r.Longitude}
}

// IsDeleted reports whether the record was soft-deleted.
func (r Record) IsDeleted() bool {
	return r.Status == LifecycleDeleted
}

// Viewer identifies the caller of a read. A zero Viewer is anonymous.
type Viewer struct {
	UserID string
	Roles  []string
}

// AnonymousViewer returns a viewer without identity.
func AnonymousViewer() Viewer {
	return Viewer{}
}

// IsAnonymous reports whether the viewer carries no identity.
func (v Viewer) IsAnonymous() bool {
	return strings.TrimSpace(v.UserID) == ""
}

// HasRole reports whether the viewer holds the named role.
func (v Viewer) HasRole(role string) bool {
	for _, candidate := range v.Roles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}

// CheckinID represents a validated record identifier.
type CheckinID string

// NewCheckinID validates raw input and returns a CheckinID.
func NewCheckinID(rawInput string) (CheckinID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCheckinID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCheckinID, maxIdentifierLength)
	}
	return CheckinID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CheckinID) String() string {
	return string(id)
}

// CheckinInput carries the owner-editable fields of a record.
type CheckinInput struct {
	Latitude  float64
	Longitude float64
	Address   string
	Content   string
	Images    []string
	IsPublic  bool
}

func (input CheckinInput) normalized() (CheckinInput, error) {
	if _, err := geo.NewPoint(input.Latitude, input.Longitude); err != nil {
		return CheckinInput{}, fmt.Errorf("%w: %v", ErrInvalidCheckinInput, err)
	}
	address := strings.TrimSpace(input.Address)
	if address == "" {
		return CheckinInput{}, fmt.Errorf("%w: address required", ErrInvalidCheckinInput)
	}
	if len(address) > maxAddressLength {
		return CheckinInput{}, fmt.Errorf("%w: address exceeds %d characters", ErrInvalidCheckinInput, maxAddressLength)
	}
	content := strings.TrimSpace(input.Content)
	if len(content) > maxContentLength {
		return CheckinInput{}, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidCheckinInput, maxContentLength)
	}
	if len(input.Images) > maxImages {
		return CheckinInput{}, fmt.Errorf("%w: at most %d images", ErrInvalidCheckinInput, maxImages)
	}
	images := make([]string, 0, len(input.Images))
	for _, image := range input.Images {
		trimmed := strings.TrimSpace(image)
		if trimmed == "" || len(trimmed) > maxImageURLLength {
			return CheckinInput{}, fmt.Errorf("%w: invalid image url", ErrInvalidCheckinInput)
		}
		images = append(images, trimmed)
	}
	return CheckinInput{
		Latitude:  input.Latitude,
		Longitude: input.Longitude,
		Address:   address,
		Content:   content,
		Images:    images,
		IsPublic:  input.IsPublic,
	}, nil
}

// AuditDecision is a moderator's verdict on a record.
type AuditDecision struct {
	Status AuditStatus
	Remark string
}

// ParseAuditStatus validates a moderator decision value.
func ParseAuditStatus(value string) (AuditStatus, error) {
	switch AuditStatus(strings.ToLower(strings.TrimSpace(value))) {
	case AuditStatusApproved:
		return AuditStatusApproved, nil
	case AuditStatusRejected:
		return AuditStatusRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAuditStatus, value)
	}
}

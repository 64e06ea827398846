package checkins

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoleAdmin grants audit decisions.
const RoleAdmin = "admin"

var errNotOwner = errors.New("checkins: viewer is not the owner")

// CreateCheckin stores a new record owned by viewer. New records start pending review.
func (s *Service) CreateCheckin(ctx context.Context, viewer Viewer, input CheckinInput) (Record, error) {
	if s.db == nil {
		s.logError(opCreateCheckin, reasonMissingDatabase, errMissingDatabase)
		return Record{}, newServiceError(opCreateCheckin, reasonMissingDatabase, errMissingDatabase)
	}
	if viewer.IsAnonymous() {
		return Record{}, newServiceError(opCreateCheckin, reasonInvalidRequest,
			fmt.Errorf("%w: identity required", ErrInvalidRequest))
	}
	normalized, err := input.normalized()
	if err != nil {
		return Record{}, newServiceError(opCreateCheckin, reasonInvalidRequest, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateCheckin, reasonIDGeneration, err, zap.String(fieldViewerID, viewer.UserID))
		return Record{}, newServiceError(opCreateCheckin, reasonIDGeneration, err)
	}

	now := s.clock().UTC().Unix()
	record := Record{
		ID:               id,
		OwnerUserID:      strings.TrimSpace(viewer.UserID),
		Status:           LifecycleActive,
		AuditStatus:      AuditStatusPending,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	applyInput(&record, normalized)

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreateCheckin, reasonSaveFailed, err, zap.String(fieldCheckinID, id))
		return Record{}, newServiceError(opCreateCheckin, reasonSaveFailed, err)
	}
	return record, nil
}

// UpdateCheckin applies an owner edit. Editing a rejected record resubmits it for review.
func (s *Service) UpdateCheckin(ctx context.Context, viewer Viewer, rawID string, input CheckinInput) (Record, error) {
	normalized, err := input.normalized()
	if err != nil {
		return Record{}, newServiceError(opUpdateCheckin, reasonInvalidRequest, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}
	return s.mutateOwned(ctx, opUpdateCheckin, viewer, rawID, func(record *Record) {
		applyInput(record, normalized)
		if record.AuditStatus == AuditStatusRejected {
			record.AuditStatus = AuditStatusPending
		}
	})
}

// DeleteCheckin soft-deletes a record owned by viewer.
func (s *Service) DeleteCheckin(ctx context.Context, viewer Viewer, rawID string) error {
	_, err := s.mutateOwned(ctx, opDeleteCheckin, viewer, rawID, func(record *Record) {
		record.Status = LifecycleDeleted
	})
	return err
}

// AuditCheckin records a moderator decision. Only viewers holding RoleAdmin may audit.
func (s *Service) AuditCheckin(ctx context.Context, viewer Viewer, rawID string, decision AuditDecision) (Record, error) {
	if s.db == nil {
		s.logError(opAuditCheckin, reasonMissingDatabase, errMissingDatabase)
		return Record{}, newServiceError(opAuditCheckin, reasonMissingDatabase, errMissingDatabase)
	}
	if viewer.IsAnonymous() {
		return Record{}, newServiceError(opAuditCheckin, reasonInvalidRequest,
			fmt.Errorf("%w: identity required", ErrInvalidRequest))
	}
	if !viewer.HasRole(RoleAdmin) {
		return Record{}, newServiceError(opAuditCheckin, reasonForbidden, ErrForbidden)
	}
	status, err := ParseAuditStatus(string(decision.Status))
	if err != nil {
		return Record{}, newServiceError(opAuditCheckin, reasonInvalidRequest, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}
	id, err := NewCheckinID(rawID)
	if err != nil {
		return Record{}, newServiceError(opAuditCheckin, reasonNotFound, fmt.Errorf("%w: %v", ErrNotFound, err))
	}

	var audited Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.loadActive(ctx, tx.Clauses(clause.Locking{Strength: "UPDATE"}), opAuditCheckin, id)
		if err != nil {
			return err
		}
		now := s.clock().UTC().Unix()
		record.AuditStatus = status
		record.AuditRemark = strings.TrimSpace(decision.Remark)
		record.AuditedBy = strings.TrimSpace(viewer.UserID)
		record.AuditedAtSeconds = now
		record.UpdatedAtSeconds = now
		if err := tx.Save(&record).Error; err != nil {
			s.logError(opAuditCheckin, reasonSaveFailed, err, zap.String(fieldCheckinID, id.String()))
			return newServiceError(opAuditCheckin, reasonSaveFailed, err)
		}
		audited = record
		return nil
	})
	if txErr != nil {
		return Record{}, txErr
	}
	s.loggerOrDefault().Info("checkin audited",
		zap.String(fieldCheckinID, id.String()),
		zap.String("audit_status", string(status)),
		zap.String("audited_by", audited.AuditedBy))
	return audited, nil
}

func (s *Service) mutateOwned(ctx context.Context, operation string, viewer Viewer, rawID string, mutate func(*Record)) (Record, error) {
	if s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return Record{}, newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	if viewer.IsAnonymous() {
		return Record{}, newServiceError(operation, reasonInvalidRequest,
			fmt.Errorf("%w: identity required", ErrInvalidRequest))
	}
	id, err := NewCheckinID(rawID)
	if err != nil {
		return Record{}, newServiceError(operation, reasonNotFound, fmt.Errorf("%w: %v", ErrNotFound, err))
	}

	var mutated Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.loadActive(ctx, tx.Clauses(clause.Locking{Strength: "UPDATE"}), operation, id)
		if err != nil {
			return err
		}
		if record.OwnerUserID != strings.TrimSpace(viewer.UserID) {
			mutated = record
			return errNotOwner
		}
		mutate(&record)
		record.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&record).Error; err != nil {
			s.logError(operation, reasonSaveFailed, err, zap.String(fieldCheckinID, id.String()))
			return newServiceError(operation, reasonSaveFailed, err)
		}
		mutated = record
		return nil
	})
	if errors.Is(txErr, errNotOwner) {
		return Record{}, s.denyNonOwner(ctx, operation, viewer, mutated)
	}
	if txErr != nil {
		return Record{}, txErr
	}
	return mutated, nil
}

// denyNonOwner hides records the viewer cannot see and forbids edits to records they can.
func (s *Service) denyNonOwner(ctx context.Context, operation string, viewer Viewer, record Record) error {
	visibility, err := s.resolveVisible(ctx, operation, viewer, true)
	if err != nil {
		return err
	}
	if !visibility.Allows(record) {
		return newServiceError(operation, reasonNotFound, ErrNotFound)
	}
	return newServiceError(operation, reasonForbidden, ErrForbidden)
}

func applyInput(record *Record, input CheckinInput) {
	record.Latitude = input.Latitude
	record.Longitude = input.Longitude
	record.Address = input.Address
	record.Content = input.Content
	record.Images = input.Images
	record.IsPublic = input.IsPublic
}

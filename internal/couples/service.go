package couples

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidUser indicates an empty user identifier.
	ErrInvalidUser = errors.New("couples: invalid user id")
	// ErrSelfBinding indicates an attempt to bind a user to themselves.
	ErrSelfBinding = errors.New("couples: cannot bind a user to themselves")
	// ErrAlreadyBound indicates that one side already has an active binding.
	ErrAlreadyBound = errors.New("couples: user already bound")
	// ErrNotBound indicates that the user has no active binding.
	ErrNotBound = errors.New("couples: user not bound")
)

const queryActiveForUser = "active = ? AND (user_id = ? OR partner_id = ?)"

// ServiceConfig describes the dependencies required for couple lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves and maintains couple bindings.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the couple binding service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("couples: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// PartnerOf returns the active partner of userID. Either side of a binding may be queried.
// When more than one active binding exists the most recently created one wins.
func (s *Service) PartnerOf(ctx context.Context, userID string) (string, bool, error) {
	user := normalize(userID)
	if user == "" {
		return "", false, ErrInvalidUser
	}

	binding, err := s.activeBinding(s.db.WithContext(ctx), user)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logger.Error("couple lookup failed", zap.String("user_id", user), zap.Error(err))
		return "", false, err
	}
	return binding.PartnerOf(user), true, nil
}

// Bind creates an active binding between the two users.
func (s *Service) Bind(ctx context.Context, userID, partnerID string) (Binding, error) {
	user := normalize(userID)
	partner := normalize(partnerID)
	if user == "" || partner == "" {
		return Binding{}, ErrInvalidUser
	}
	if user == partner {
		return Binding{}, ErrSelfBinding
	}

	var created Binding
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, side := range []string{user, partner} {
			_, lookupErr := s.activeBinding(tx, side)
			if lookupErr == nil {
				return fmt.Errorf("%w: %s", ErrAlreadyBound, side)
			}
			if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return lookupErr
			}
		}
		created = Binding{
			UserID:           user,
			PartnerID:        partner,
			Active:           true,
			CreatedAtSeconds: s.now().UTC().Unix(),
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return Binding{}, err
	}
	s.logger.Info("couple bound", zap.String("user_id", user), zap.String("partner_id", partner))
	return created, nil
}

// Unbind deactivates the active binding of userID.
func (s *Service) Unbind(ctx context.Context, userID string) error {
	user := normalize(userID)
	if user == "" {
		return ErrInvalidUser
	}
	result := s.db.WithContext(ctx).Model(&Binding{}).
		Where(queryActiveForUser, true, user, user).
		Updates(map[string]interface{}{
			"active":     false,
			"ended_at_s": s.now().UTC().Unix(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotBound
	}
	return nil
}

func (s *Service) activeBinding(db *gorm.DB, userID string) (Binding, error) {
	var binding Binding
	err := db.
		Where(queryActiveForUser, true, userID, userID).
		Order("created_at_s DESC").
		Order("id DESC").
		Take(&binding).Error
	return binding, err
}

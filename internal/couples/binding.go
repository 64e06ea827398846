package couples

import "strings"

// Binding captures a symmetric pairing between two users.
type Binding struct {
	ID               uint   `gorm:"column:id;primaryKey;autoIncrement"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_couple_user_active,priority:1"`
	PartnerID        string `gorm:"column:partner_id;size:190;not null;index:idx_couple_partner_active,priority:1"`
	Active           bool   `gorm:"column:active;not null;default:true;index:idx_couple_user_active,priority:2;index:idx_couple_partner_active,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	EndedAtSeconds   int64  `gorm:"column:ended_at_s;not null;default:0"`
}

// TableName exposes the table backing couple bindings.
func (Binding) TableName() string {
	return "couple_bindings"
}

// PartnerOf returns the other side of the binding relative to userID.
func (b Binding) PartnerOf(userID string) string {
	if b.UserID == userID {
		return b.PartnerID
	}
	return b.UserID
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SetRollup is a derived per-set aggregate, recomputed best-effort after each
// applied batch. It is bookkeeping, never an input to sync decisions.
type SetRollup struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index:idx_user_set_rollup,unique" json:"user_id"`
	User       *User     `gorm:"constraint:OnDelete:CASCADE;foreignKey:UserID;references:ID" json:"user,omitempty"`
	SetNum     string    `gorm:"column:set_num;not null;index:idx_user_set_rollup,unique" json:"set_num"`
	TotalOwned int       `gorm:"column:total_owned;not null;default:0" json:"total_owned"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (SetRollup) TableName() string { return "set_rollup" }

func (sr *SetRollup) BeforeCreate(*gorm.DB) error {
	if sr.ID == uuid.Nil {
		sr.ID = uuid.New()
	}
	return nil
}

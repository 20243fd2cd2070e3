package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OwnedItem is one row of the authoritative ownership store: how many units
// of one inventory component a user owns within one set context. Upserts are
// last-write-wins on (user_id, set_num, item_key).
type OwnedItem struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID        uuid.UUID      `gorm:"type:uuid;not null;index:idx_user_set_item,unique" json:"user_id"`
	User          *User          `gorm:"constraint:OnDelete:CASCADE;foreignKey:UserID;references:ID" json:"user,omitempty"`
	SetNum        string         `gorm:"column:set_num;not null;index:idx_user_set_item,unique" json:"set_num"`
	ItemKey       string         `gorm:"column:item_key;not null;index:idx_user_set_item,unique" json:"item_key"`
	OwnedQuantity int            `gorm:"column:owned_quantity;not null;default:0" json:"owned_quantity"`
	ClientID      string         `gorm:"column:client_id" json:"client_id"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (OwnedItem) TableName() string { return "owned_item" }

func (oi *OwnedItem) BeforeCreate(*gorm.DB) error {
	if oi.ID == uuid.Nil {
		oi.ID = uuid.New()
	}
	return nil
}

package models

import "time"

// CreditUsage records credits spent by one aidant towards another profile.
// Only active rows count towards the spent total in the credit summary.
type CreditUsage struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	SenderID      uint      `gorm:"not null;index" json:"sender_id"`
	DestinationID uint      `gorm:"not null;index" json:"destination_id"`
	Credits       int       `gorm:"not null" json:"credits"`
	Active        bool      `gorm:"default:true;index" json:"active"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

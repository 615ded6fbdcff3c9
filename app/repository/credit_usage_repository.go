package repository

import (
	"gorm.io/gorm"

	"github.com/wingerapp/winger-backend/app/models"
)

type gormCreditUsageRepository struct {
	db *gorm.DB
}

// NewCreditUsageRepository creates a credit usage repository backed by GORM.
func NewCreditUsageRepository(db *gorm.DB) CreditUsageRepository {
	return &gormCreditUsageRepository{db: db}
}

func (r *gormCreditUsageRepository) SumActiveBySender(senderID uint) (int, error) {
	var total *int
	err := r.db.Model(&models.CreditUsage{}).
		Select("SUM(credits)").
		Where("sender_id = ? AND active = ?", senderID, true).
		Scan(&total).Error
	if err != nil || total == nil {
		return 0, err
	}
	return *total, nil
}

func (r *gormCreditUsageRepository) ListBySender(senderID uint) ([]CreditUsageEntry, error) {
	var entries []CreditUsageEntry
	err := r.db.Model(&models.CreditUsage{}).
		Select("credit_usages.*, "+
			"CONCAT(s.first_name, ' ', s.last_name) AS sender_name, "+
			"CONCAT(d.first_name, ' ', d.last_name) AS destination_name").
		Joins("JOIN users s ON s.id = credit_usages.sender_id").
		Joins("JOIN users d ON d.id = credit_usages.destination_id").
		Where("credit_usages.sender_id = ?", senderID).
		Order("credit_usages.created_at DESC").
		Scan(&entries).Error
	return entries, err
}

package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wingerapp/winger-backend/app/models"
)

type gormSubscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a subscription repository backed by GORM.
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &gormSubscriptionRepository{db: db}
}

func (r *gormSubscriptionRepository) GetByID(id string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormSubscriptionRepository) GetOwnedByOther(id string, aidantID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("id = ? AND aidant_id <> ?", id, aidantID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormSubscriptionRepository) Create(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

func (r *gormSubscriptionRepository) Upsert(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"aidant_id",
			"plan_id",
			"status",
			"start_time",
			"next_billing_time",
			"payer_email",
			"payment_method",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure timestamps are populated after upsert.
	return r.db.Where("id = ?", sub.ID).First(sub).Error
}

func (r *gormSubscriptionRepository) UpdateFields(id string, fields map[string]interface{}) error {
	return r.db.Model(&models.Subscription{}).Where("id = ?", id).Updates(fields).Error
}

func (r *gormSubscriptionRepository) LatestForAidant(aidantID uint, statuses []string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("aidant_id = ? AND status IN ?", aidantID, statuses).
		Order("next_billing_time DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormSubscriptionRepository) LiveCandidate(aidantID uint, now time.Time) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where(
		"aidant_id = ? AND (status IN ? OR (status = ? AND next_billing_time > ?))",
		aidantID,
		[]string{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusPastDue,
			models.SubscriptionStatusExpired,
			models.SubscriptionStatusRevoked,
		},
		models.SubscriptionStatusCancelled,
		now,
	).Order("created_at DESC").First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormSubscriptionRepository) ExpireLapsed(now time.Time) (int64, error) {
	result := r.db.Model(&models.Subscription{}).
		Where("status IN ? AND next_billing_time IS NOT NULL AND next_billing_time <= ?",
			[]string{
				models.SubscriptionStatusActive,
				models.SubscriptionStatusPastDue,
				models.SubscriptionStatusCancelled,
			}, now).
		Update("status", models.SubscriptionStatusExpired)
	return result.RowsAffected, result.Error
}

func (r *gormSubscriptionRepository) HasActiveOrPending(aidantID uint) (bool, error) {
	var count int64
	err := r.db.Model(&models.Subscription{}).
		Where("aidant_id = ? AND status IN ?", aidantID, []string{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusPending,
		}).Count(&count).Error
	return count > 0, err
}

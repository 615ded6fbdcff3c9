package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wingerapp/winger-backend/app/models"
)

type gormPaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a payment repository backed by GORM.
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &gormPaymentRepository{db: db}
}

func (r *gormPaymentRepository) Create(record *models.PaymentRecord) error {
	return r.db.Create(record).Error
}

// CreateIfAbsent inserts the record unless a row with the same provider
// transaction id already exists. Returns whether the insert happened and the
// row now stored for that transaction id.
func (r *gormPaymentRepository) CreateIfAbsent(record *models.PaymentRecord) (bool, *models.PaymentRecord, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoNothing: true,
	}).Create(record)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentRecord
	if err := r.db.Where("transaction_id = ?", record.TransactionID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormPaymentRepository) GetByID(id string) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	if err := r.db.Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *gormPaymentRepository) GetByTransactionID(transactionID string) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	if err := r.db.Where("transaction_id = ?", transactionID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *gormPaymentRepository) UpdateFields(id string, fields map[string]interface{}) error {
	return r.db.Model(&models.PaymentRecord{}).Where("id = ?", id).Updates(fields).Error
}

func (r *gormPaymentRepository) MarkSuccessByTransactionID(transactionID string) error {
	return r.db.Model(&models.PaymentRecord{}).
		Where("transaction_id = ? AND status = ?", transactionID, models.PaymentStatusPending).
		Update("status", models.PaymentStatusSuccess).Error
}

func (r *gormPaymentRepository) ListByAidantAndKind(aidantID uint, kind string) ([]models.PaymentRecord, error) {
	var records []models.PaymentRecord
	err := r.db.Where("aidant_id = ? AND kind = ?", aidantID, kind).
		Order("updated_at DESC").
		Find(&records).Error
	return records, err
}

func (r *gormPaymentRepository) SumSuccessfulCredits(aidantID uint) (int, error) {
	var total *int
	err := r.db.Model(&models.PaymentRecord{}).
		Select("SUM(credits)").
		Where("aidant_id = ? AND status = ? AND kind = ?", aidantID, models.PaymentStatusSuccess, models.PaymentKindCredits).
		Scan(&total).Error
	if err != nil || total == nil {
		return 0, err
	}
	return *total, nil
}

func (r *gormPaymentRepository) LastSuccessfulPurchase(aidantID uint) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	err := r.db.Where("aidant_id = ? AND status = ? AND kind = ?", aidantID, models.PaymentStatusSuccess, models.PaymentKindCredits).
		Order("updated_at DESC").
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

package repository

import (
	"gorm.io/gorm"

	"github.com/wingerapp/winger-backend/app/models"
)

type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

func (r *gormUserRepository) GetByID(id uint) (*models.User, error) {
	var user models.User
	if err := r.db.First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormUserRepository) Update(user *models.User) error {
	return r.db.Save(user).Error
}

func (r *gormUserRepository) AddCredits(id uint, delta int) (int, error) {
	err := r.db.Model(&models.User{}).
		Where("id = ?", id).
		UpdateColumn("credits", gorm.Expr("GREATEST(credits + ?, 0)", delta)).Error
	if err != nil {
		return 0, err
	}

	var user models.User
	if err := r.db.Select("credits").First(&user, id).Error; err != nil {
		return 0, err
	}
	return user.Credits, nil
}

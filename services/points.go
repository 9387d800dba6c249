package services

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/surveyreward/models"
)

// lockUser loads the user row with SELECT ... FOR UPDATE inside tx.
func lockUser(tx *gorm.DB, userID uint) (*models.User, error) {
	var user models.User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(ErrUserNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// creditPoints applies delta to the user's balance and returns the new balance.
// It is the only writer of users.points and refuses to go below zero.
// Callers must run it inside a transaction.
func creditPoints(tx *gorm.DB, userID uint, delta int) (int, error) {
	user, err := lockUser(tx, userID)
	if err != nil {
		return 0, err
	}
	next := user.Points + delta
	if next < 0 {
		return user.Points, invalid(ErrInsufficientPoints)
	}
	if delta == 0 {
		return next, nil
	}
	if err := tx.Model(&models.User{}).Where("id = ?", userID).
		UpdateColumn("points", gorm.Expr("points + ?", delta)).Error; err != nil {
		return user.Points, err
	}
	return next, nil
}

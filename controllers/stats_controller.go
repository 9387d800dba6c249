package controllers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/cppla/surveyreward/models"
	"github.com/cppla/surveyreward/utils"
)

// StatsController provides site-wide counters.
type StatsController struct {
	db *gorm.DB
}

// NewStatsController creates a new StatsController instance.
func NewStatsController(db *gorm.DB) *StatsController {
	return &StatsController{db: db}
}

// GetStats returns counts of users, surveys and votes. Failed counts report 0.
func (s *StatsController) GetStats(ctx *gin.Context) {
	db := s.db.WithContext(ctx.Request.Context())

	var users, surveys, active, votes, converted int64
	if err := db.Model(&models.User{}).Count(&users).Error; err != nil {
		users = 0
	}
	if err := db.Model(&models.Survey{}).Count(&surveys).Error; err != nil {
		surveys = 0
	}
	if err := db.Model(&models.Survey{}).Where("active = ?", true).Count(&active).Error; err != nil {
		active = 0
	}
	if err := db.Model(&models.Vote{}).Count(&votes).Error; err != nil {
		votes = 0
	}
	if err := db.Model(&models.PointConversion{}).
		Where("status = ?", models.ConversionCompleted).
		Select("COALESCE(SUM(eth_amount),0)").
		Scan(&converted).Error; err != nil {
		converted = 0
	}

	utils.Success(ctx, gin.H{
		"user_count":          users,
		"survey_count":        surveys,
		"active_survey_count": active,
		"vote_count":          votes,
		"eth_paid_out":        converted,
	})
}

// Package testutil holds database fixtures shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/cppla/surveyreward/config"
	"github.com/cppla/surveyreward/models"
)

// SetupTestDB opens a migrated SQLite database in a temporary directory.
// A single connection serialises transactions the way row locks do on MySQL.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path), config.GormConfig("silent"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := config.Migrate(db, models.All()...); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

// CreateTestUser inserts a user directly. Empty email or wallet leaves the column NULL.
func CreateTestUser(t *testing.T, db *gorm.DB, email, wallet string, points int) *models.User {
	t.Helper()

	user := models.User{DisplayName: "tester", Points: points, Provider: "local"}
	if email != "" {
		user.Email = &email
	}
	if wallet != "" {
		user.WalletAddress = &wallet
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return &user
}

// Points returns the stored points balance of a user.
func Points(t *testing.T, db *gorm.DB, userID uint) int {
	t.Helper()

	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		t.Fatalf("Failed to load user %d: %v", userID, err)
	}
	return user.Points
}

// OptionVotes returns the vote_count of every option of a survey keyed by option id.
func OptionVotes(t *testing.T, db *gorm.DB, surveyID uint) map[uint]int {
	t.Helper()

	var questionIDs []uint
	if err := db.Model(&models.Question{}).Where("survey_id = ?", surveyID).Pluck("id", &questionIDs).Error; err != nil {
		t.Fatalf("Failed to load questions: %v", err)
	}
	var options []models.Option
	if err := db.Where("question_id IN ?", questionIDs).Find(&options).Error; err != nil {
		t.Fatalf("Failed to load options: %v", err)
	}

	counts := make(map[uint]int, len(options))
	for _, o := range options {
		counts[o.ID] = o.VoteCount
	}
	return counts
}

// SumVotes adds up the option counters of a survey.
func SumVotes(t *testing.T, db *gorm.DB, surveyID uint) int {
	t.Helper()

	total := 0
	for _, n := range OptionVotes(t, db, surveyID) {
		total += n
	}
	return total
}

// Count returns the number of rows of model matching the optional condition.
func Count(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()

	tx := db.Model(model)
	if query != "" {
		tx = tx.Where(query, args...)
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		t.Fatalf("Failed to count %T: %v", model, err)
	}
	return n
}

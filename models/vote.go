package models

import "time"

// Vote binds one user to one chosen option of one question.
// The composite unique index enforces a single vote per (user, question).
type Vote struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"not null;uniqueIndex:idx_votes_user_question" json:"user_id"`
	QuestionID uint      `gorm:"not null;uniqueIndex:idx_votes_user_question" json:"question_id"`
	OptionID   uint      `gorm:"index;not null" json:"option_id"`
	SurveyID   uint      `gorm:"index;not null" json:"survey_id"`
	CreatedAt  time.Time `json:"created_at"`
}

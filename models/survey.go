package models

import "time"

// Survey owns an ordered set of questions. Its structure is fixed after creation
// and Active only ever moves from true to false.
type Survey struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Title       string     `gorm:"size:200;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	CreatorID   uint       `gorm:"index;not null" json:"creator_id"`
	Active      bool       `gorm:"not null;default:true;index" json:"active"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Questions   []Question `gorm:"constraint:OnDelete:CASCADE" json:"questions,omitempty"`
}

// Question belongs to exactly one survey.
type Question struct {
	ID       uint     `gorm:"primaryKey" json:"id"`
	SurveyID uint     `gorm:"index;not null" json:"survey_id"`
	Text     string   `gorm:"size:500;not null" json:"text"`
	Position int      `gorm:"not null;default:0" json:"position"`
	Options  []Option `gorm:"constraint:OnDelete:CASCADE" json:"options,omitempty"`
}

// Option is a selectable answer. VoteCount mirrors the number of Vote rows
// pointing at it and is only exposed through results.
type Option struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	QuestionID uint   `gorm:"index;not null" json:"question_id"`
	Text       string `gorm:"size:255;not null" json:"text"`
	Position   int    `gorm:"not null;default:0" json:"position"`
	VoteCount  int    `gorm:"not null;default:0" json:"-"`
}

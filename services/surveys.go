package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/surveyreward/models"
	"github.com/cppla/surveyreward/utils"
)

const (
	resultsCachePrefix = "cache:survey:results:"
	resultsCacheTTL    = 10 * time.Minute
)

// SurveyService implements survey creation, voting, results and lifecycle.
type SurveyService struct {
	db           *gorm.DB
	rewardPoints int
	log          *zap.SugaredLogger
}

// NewSurveyService creates a SurveyService awarding rewardPoints for each completed ballot.
func NewSurveyService(db *gorm.DB, rewardPoints int, log *zap.SugaredLogger) *SurveyService {
	return &SurveyService{db: db, rewardPoints: rewardPoints, log: log}
}

// Draft is an unvalidated survey as submitted by its creator.
type Draft struct {
	Title       string
	Description string
	Questions   []QuestionDraft
}

// QuestionDraft is one question of a Draft with its raw option texts.
type QuestionDraft struct {
	Text    string
	Options []string
}

// Selection picks one option for one question.
type Selection struct {
	QuestionID uint `json:"question_id"`
	OptionID   uint `json:"option_id"`
}

// VoteReceipt summarises an accepted ballot.
type VoteReceipt struct {
	SurveyID      uint `json:"survey_id"`
	Answered      int  `json:"answered"`
	PointsAwarded int  `json:"points_awarded"`
	Points        int  `json:"points"`
}

// SurveyDetail is the survey tree as seen by a particular actor.
type SurveyDetail struct {
	*models.Survey
	HasVoted bool `json:"has_voted"`
	IsOwner  bool `json:"is_owner"`
}

// SurveySummary is a list entry without the question tree.
type SurveySummary struct {
	ID            uint       `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	CreatorID     uint       `json:"creator_id"`
	Active        bool       `json:"active"`
	QuestionCount int        `json:"question_count"`
	HasVoted      bool       `json:"has_voted"`
	IsOwner       bool       `json:"is_owner"`
	CreatedAt     time.Time  `json:"created_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// OptionResult is the tally of one option.
type OptionResult struct {
	ID    uint   `json:"id"`
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// QuestionResult is the tally of one question.
type QuestionResult struct {
	ID      uint           `json:"id"`
	Text    string         `json:"text"`
	Total   int            `json:"total"`
	Options []OptionResult `json:"options"`
}

// SurveyResults is the owner-only breakdown of a survey.
type SurveyResults struct {
	SurveyID  uint             `json:"survey_id"`
	Title     string           `json:"title"`
	Active    bool             `json:"active"`
	Questions []QuestionResult `json:"questions"`
}

// Create validates a draft and persists it as an active survey owned by actor.
// Blank questions and blank options are dropped; every remaining question needs
// at least two options and at least one question must remain.
func (s *SurveyService) Create(ctx context.Context, actor Actor, d Draft) (*models.Survey, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	title := utils.CleanText(d.Title)
	if title == "" {
		return nil, validationf("survey title is required")
	}

	survey := models.Survey{
		Title:       title,
		Description: utils.CleanText(d.Description),
		CreatorID:   actor.UserID,
		Active:      true,
	}
	for _, qd := range d.Questions {
		text := utils.CleanText(qd.Text)
		if text == "" {
			continue
		}
		q := models.Question{Text: text, Position: len(survey.Questions)}
		for _, raw := range qd.Options {
			opt := utils.CleanText(raw)
			if opt == "" {
				continue
			}
			q.Options = append(q.Options, models.Option{Text: opt, Position: len(q.Options)})
		}
		if len(q.Options) < 2 {
			return nil, validationf("question %q needs at least two options", text)
		}
		survey.Questions = append(survey.Questions, q)
	}
	if len(survey.Questions) == 0 {
		return nil, validationf("a survey needs at least one question with two options")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&models.User{}, actor.UserID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound(ErrUserNotFound)
			}
			return err
		}
		return tx.Create(&survey).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("survey created", "survey_id", survey.ID, "creator_id", actor.UserID, "questions", len(survey.Questions))
	return &survey, nil
}

// Get returns the survey tree without tallies plus the actor's relation to it.
func (s *SurveyService) Get(ctx context.Context, actor Actor, surveyID uint) (*SurveyDetail, error) {
	db := s.db.WithContext(ctx)
	survey, err := findSurvey(preloadTree(db), surveyID)
	if err != nil {
		return nil, err
	}

	detail := &SurveyDetail{Survey: survey, IsOwner: !actor.Anonymous() && survey.CreatorID == actor.UserID}
	if !actor.Anonymous() {
		var n int64
		if err := db.Model(&models.Vote{}).Where("survey_id = ? AND user_id = ?", surveyID, actor.UserID).Count(&n).Error; err != nil {
			return nil, err
		}
		detail.HasVoted = n > 0
	}
	return detail, nil
}

// ListActive pages through active surveys, newest first.
func (s *SurveyService) ListActive(ctx context.Context, actor Actor, page, size int) ([]SurveySummary, int64, error) {
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&models.Survey{}).Where("active = ?", true).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var surveys []models.Survey
	if err := db.Where("active = ?", true).
		Order("created_at DESC, id DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&surveys).Error; err != nil {
		return nil, 0, err
	}

	items, err := summarize(db, actor, surveys)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListByCreator returns every survey created by actor, active or ended.
func (s *SurveyService) ListByCreator(ctx context.Context, actor Actor) ([]SurveySummary, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var surveys []models.Survey
	if err := db.Where("creator_id = ?", actor.UserID).Order("created_at DESC, id DESC").Find(&surveys).Error; err != nil {
		return nil, err
	}
	return summarize(db, actor, surveys)
}

// Vote records a full ballot for actor. Preconditions are checked in order:
// the survey exists, it is active, the actor is not its creator and every
// question is answered exactly once. Questions the actor already voted on are
// reported together and nothing from the ballot is stored.
func (s *SurveyService) Vote(ctx context.Context, actor Actor, surveyID uint, selections []Selection) (*VoteReceipt, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	receipt := &VoteReceipt{SurveyID: surveyID, PointsAwarded: s.rewardPoints}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		survey, err := findSurvey(tx.Preload("Questions", orderByPosition), surveyID)
		if err != nil {
			return err
		}
		if !survey.Active {
			return conflict(ErrSurveyInactive)
		}
		if survey.CreatorID == actor.UserID {
			return unauthorized(ErrSelfVote)
		}

		chosen, err := checkBallot(tx, survey, selections)
		if err != nil {
			return err
		}

		// serialises concurrent ballots of the same voter
		if _, err := lockUser(tx, actor.UserID); err != nil {
			return err
		}

		questionIDs := make([]uint, 0, len(survey.Questions))
		for _, q := range survey.Questions {
			questionIDs = append(questionIDs, q.ID)
		}
		var existing []models.Vote
		if err := tx.Where("user_id = ? AND question_id IN ?", actor.UserID, questionIDs).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) > 0 {
			return alreadyVoted(survey, existing)
		}

		votes := make([]models.Vote, 0, len(survey.Questions))
		for _, q := range survey.Questions {
			votes = append(votes, models.Vote{
				UserID:     actor.UserID,
				QuestionID: q.ID,
				OptionID:   chosen[q.ID],
				SurveyID:   survey.ID,
			})
		}
		if err := tx.Create(&votes).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return conflict(ErrAlreadyVoted)
			}
			return err
		}

		for _, v := range votes {
			res := tx.Model(&models.Option{}).Where("id = ?", v.OptionID).
				UpdateColumn("vote_count", gorm.Expr("vote_count + ?", 1))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return fmt.Errorf("increment option %d: %d rows affected", v.OptionID, res.RowsAffected)
			}
		}

		balance, err := creditPoints(tx, actor.UserID, s.rewardPoints)
		if err != nil {
			return err
		}
		receipt.Answered = len(votes)
		receipt.Points = balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("ballot recorded", "survey_id", surveyID, "user_id", actor.UserID, "answered", receipt.Answered, "points", receipt.Points)
	return receipt, nil
}

// Results returns the per-option tallies of a survey to its creator only.
func (s *SurveyService) Results(ctx context.Context, actor Actor, surveyID uint) (*SurveyResults, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	survey, err := findSurvey(db, surveyID)
	if err != nil {
		return nil, err
	}
	if survey.CreatorID != actor.UserID {
		return nil, unauthorized(ErrNotOwner)
	}

	// tallies only settle once a survey has ended; active ones are read live
	key := resultsCacheKey(surveyID)
	if !survey.Active {
		var cached SurveyResults
		if utils.CacheGetJSON(ctx, key, &cached) {
			return &cached, nil
		}
	}

	survey, err = findSurvey(preloadTree(db), surveyID)
	if err != nil {
		return nil, err
	}

	results := &SurveyResults{
		SurveyID:  survey.ID,
		Title:     survey.Title,
		Active:    survey.Active,
		Questions: make([]QuestionResult, 0, len(survey.Questions)),
	}
	for _, q := range survey.Questions {
		qr := QuestionResult{ID: q.ID, Text: q.Text, Options: make([]OptionResult, 0, len(q.Options))}
		for _, o := range q.Options {
			qr.Options = append(qr.Options, OptionResult{ID: o.ID, Text: o.Text, Votes: o.VoteCount})
			qr.Total += o.VoteCount
		}
		results.Questions = append(results.Questions, qr)
	}

	if !results.Active {
		utils.CacheSetJSON(ctx, key, results, resultsCacheTTL)
	}
	return results, nil
}

// End permanently deactivates a survey. Only its creator may end it, and only once.
func (s *SurveyService) End(ctx context.Context, actor Actor, surveyID uint) (*models.Survey, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var survey *models.Survey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		survey, err = findSurvey(tx, surveyID)
		if err != nil {
			return err
		}
		if survey.CreatorID != actor.UserID {
			return unauthorized(ErrNotOwner)
		}
		if !survey.Active {
			return conflict(ErrSurveyAlreadyEnded)
		}

		now := time.Now()
		res := tx.Model(&models.Survey{}).
			Where("id = ? AND active = ?", surveyID, true).
			Updates(map[string]any{"active": false, "ended_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflict(ErrSurveyAlreadyEnded)
		}
		survey.Active = false
		survey.EndedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	utils.CacheDelete(ctx, resultsCacheKey(surveyID))
	s.log.Infow("survey ended", "survey_id", surveyID, "creator_id", actor.UserID)
	return survey, nil
}

// ReconcileVoteCounts recomputes every option counter of a survey from its
// Vote rows and returns how many options were corrected.
func (s *SurveyService) ReconcileVoteCounts(ctx context.Context, surveyID uint) (int, error) {
	fixed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		survey, err := findSurvey(tx.Preload("Questions.Options"), surveyID)
		if err != nil {
			return err
		}

		var rows []struct {
			OptionID uint
			Total    int
		}
		if err := tx.Model(&models.Vote{}).
			Select("option_id, COUNT(*) AS total").
			Where("survey_id = ?", surveyID).
			Group("option_id").
			Scan(&rows).Error; err != nil {
			return err
		}
		counts := make(map[uint]int, len(rows))
		for _, r := range rows {
			counts[r.OptionID] = r.Total
		}

		for _, q := range survey.Questions {
			for _, o := range q.Options {
				want := counts[o.ID]
				if o.VoteCount == want {
					continue
				}
				if err := tx.Model(&models.Option{}).Where("id = ?", o.ID).UpdateColumn("vote_count", want).Error; err != nil {
					return err
				}
				s.log.Warnw("vote counter corrected", "survey_id", surveyID, "option_id", o.ID, "was", o.VoteCount, "now", want)
				fixed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	utils.CacheDelete(ctx, resultsCacheKey(surveyID))
	return fixed, nil
}

// ReconcileAllVoteCounts runs ReconcileVoteCounts over every survey.
func (s *SurveyService) ReconcileAllVoteCounts(ctx context.Context) (int, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Survey{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	fixed := 0
	for _, id := range ids {
		n, err := s.ReconcileVoteCounts(ctx, id)
		if err != nil {
			return fixed, fmt.Errorf("survey %d: %w", id, err)
		}
		fixed += n
	}
	utils.CacheDeletePrefix(ctx, resultsCachePrefix)
	return fixed, nil
}

// checkBallot validates the selections against the survey tree and returns
// the chosen option per question.
func checkBallot(tx *gorm.DB, survey *models.Survey, selections []Selection) (map[uint]uint, error) {
	chosen := make(map[uint]uint, len(selections))
	duplicated := false
	for _, sel := range selections {
		if _, ok := chosen[sel.QuestionID]; ok {
			duplicated = true
		}
		chosen[sel.QuestionID] = sel.OptionID
	}

	belongs := make(map[uint]bool, len(survey.Questions))
	for _, q := range survey.Questions {
		belongs[q.ID] = true
		if _, ok := chosen[q.ID]; !ok {
			return nil, invalid(ErrIncompleteBallot)
		}
	}
	if duplicated {
		return nil, validationf("each question can only be answered once")
	}
	for qid := range chosen {
		if !belongs[qid] {
			return nil, validationf("question %d does not belong to this survey", qid)
		}
	}

	questionIDs := make([]uint, 0, len(survey.Questions))
	for _, q := range survey.Questions {
		questionIDs = append(questionIDs, q.ID)
	}
	var options []models.Option
	if err := tx.Select("id", "question_id").Where("question_id IN ?", questionIDs).Find(&options).Error; err != nil {
		return nil, err
	}
	owner := make(map[uint]uint, len(options))
	for _, o := range options {
		owner[o.ID] = o.QuestionID
	}
	for _, q := range survey.Questions {
		if owner[chosen[q.ID]] != q.ID {
			return nil, validationf("option %d is not a choice of question %q", chosen[q.ID], q.Text)
		}
	}
	return chosen, nil
}

func alreadyVoted(survey *models.Survey, existing []models.Vote) error {
	voted := make(map[uint]bool, len(existing))
	for _, v := range existing {
		voted[v.QuestionID] = true
	}
	var texts []string
	for _, q := range survey.Questions {
		if voted[q.ID] {
			texts = append(texts, strconv.Quote(q.Text))
		}
	}
	return &Error{
		Kind:    KindConflict,
		Message: fmt.Sprintf("you have already voted on %s", strings.Join(texts, ", ")),
		Err:     ErrAlreadyVoted,
	}
}

func summarize(db *gorm.DB, actor Actor, surveys []models.Survey) ([]SurveySummary, error) {
	items := make([]SurveySummary, 0, len(surveys))
	if len(surveys) == 0 {
		return items, nil
	}
	ids := make([]uint, 0, len(surveys))
	for _, sv := range surveys {
		ids = append(ids, sv.ID)
	}

	var counts []struct {
		SurveyID uint
		Total    int
	}
	if err := db.Model(&models.Question{}).
		Select("survey_id, COUNT(*) AS total").
		Where("survey_id IN ?", ids).
		Group("survey_id").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	questions := make(map[uint]int, len(counts))
	for _, c := range counts {
		questions[c.SurveyID] = c.Total
	}

	voted := map[uint]bool{}
	if !actor.Anonymous() {
		var votedIDs []uint
		if err := db.Model(&models.Vote{}).
			Distinct("survey_id").
			Where("user_id = ? AND survey_id IN ?", actor.UserID, ids).
			Pluck("survey_id", &votedIDs).Error; err != nil {
			return nil, err
		}
		for _, id := range votedIDs {
			voted[id] = true
		}
	}

	for _, sv := range surveys {
		items = append(items, SurveySummary{
			ID:            sv.ID,
			Title:         sv.Title,
			Description:   sv.Description,
			CreatorID:     sv.CreatorID,
			Active:        sv.Active,
			QuestionCount: questions[sv.ID],
			HasVoted:      voted[sv.ID],
			IsOwner:       !actor.Anonymous() && sv.CreatorID == actor.UserID,
			CreatedAt:     sv.CreatedAt,
			EndedAt:       sv.EndedAt,
		})
	}
	return items, nil
}

func findSurvey(db *gorm.DB, id uint) (*models.Survey, error) {
	var survey models.Survey
	if err := db.First(&survey, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(ErrSurveyNotFound)
		}
		return nil, err
	}
	return &survey, nil
}

func preloadTree(db *gorm.DB) *gorm.DB {
	return db.Preload("Questions", orderByPosition).Preload("Questions.Options", orderByPosition)
}

func orderByPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC, id ASC")
}

func resultsCacheKey(surveyID uint) string {
	return resultsCachePrefix + strconv.FormatUint(uint64(surveyID), 10)
}

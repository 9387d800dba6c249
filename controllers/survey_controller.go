package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/surveyreward/middleware"
	"github.com/cppla/surveyreward/services"
	"github.com/cppla/surveyreward/utils"
)

// SurveyController exposes the survey workflow.
type SurveyController struct {
	surveys *services.SurveyService
	log     *zap.SugaredLogger
}

// NewSurveyController creates a SurveyController.
func NewSurveyController(surveys *services.SurveyService, log *zap.SugaredLogger) *SurveyController {
	return &SurveyController{surveys: surveys, log: log}
}

type createSurveyRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Questions   []struct {
		Text    string   `json:"text"`
		Options []string `json:"options"`
	} `json:"questions" binding:"required,max=50"`
}

// Create stores a new survey owned by the caller.
func (s *SurveyController) Create(ctx *gin.Context) {
	var req createSurveyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}

	draft := services.Draft{Title: req.Title, Description: req.Description}
	for _, q := range req.Questions {
		draft.Questions = append(draft.Questions, services.QuestionDraft{Text: q.Text, Options: q.Options})
	}

	survey, err := s.surveys.Create(ctx.Request.Context(), middleware.Actor(ctx), draft)
	if err != nil {
		respondError(ctx, s.log, err)
		return
	}
	utils.Created(ctx, "survey created", gin.H{"survey": survey})
}

// ListActive returns active surveys, newest first.
func (s *SurveyController) ListActive(ctx *gin.Context) {
	page, pageSize := parsePagination(ctx.Query("page"), ctx.Query("page_size"))
	items, total, err := s.surveys.ListActive(ctx.Request.Context(), middleware.Actor(ctx), page, pageSize)
	if err != nil {
		respondError(ctx, s.log, err)
		return
	}
	utils.Success(ctx, gin.H{"items": items, "pagination": pagination(page, pageSize, total)})
}

// ListMine returns every survey created by the caller.
func (s *SurveyController) ListMine(ctx *gin.Context) {
	items, err := s.surveys.ListByCreator(ctx.Request.Context(), middleware.Actor(ctx))
	if err != nil {
		respondError(ctx, s.log, err)
		return
	}
	utils.Success(ctx, gin.H{"items": items})
}

// Get returns a survey with its questions and options.
func (s *SurveyController) Get(ctx *gin.Context) {
	id, ok := parseID(ctx, "id")
	if !ok {
		return
	}
	detail, err := s.surveys.Get(ctx.Request.Context(), middleware.Actor(ctx), id)
	if err != nil {
		respondError(ctx, s.log, err)
		return
	}
	utils.Success(ctx, detail)
}

// Vote records the caller's ballot.
func (s *SurveyController) Vote(ctx *gin.Context) {
	id, ok := parseID(ctx, "id")
	if !ok {
		return
	}
	var req struct {
		Answers []services.Selection `json:"answers" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}

	receipt, err := s.surveys.Vote(ctx.Request.Context(), middleware.Actor(ctx), id, req.Answers)
	if err != nil {
		respondError(ctx, s.log, err)
		return
	}
	utils.Respond(ctx, http.StatusOK, 0, "thanks for voting", receipt)
}

// Results returns the tallies to the survey's creator.
func (s *SurveyController) Results(ctx *gin.Context) {
	id, ok := parseID(ctx, "id")
	if !ok {
		return
	}
	results, err := s.surveys.Results(ctx.Request.Context(), middleware.Actor(ctx), id)
	if err != nil {
		respondError(ctx, s.log, err)
		return
	}
	utils.Success(ctx, results)
}

// End closes a survey for good.
func (s *SurveyController) End(ctx *gin.Context) {
	id, ok := parseID(ctx, "id")
	if !ok {
		return
	}
	survey, err := s.surveys.End(ctx.Request.Context(), middleware.Actor(ctx), id)
	if err != nil {
		respondError(ctx, s.log, err)
		return
	}
	utils.Respond(ctx, http.StatusOK, 0, "survey ended", gin.H{"survey": survey})
}

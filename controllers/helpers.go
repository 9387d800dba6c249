package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/surveyreward/models"
	"github.com/cppla/surveyreward/services"
	"github.com/cppla/surveyreward/utils"
)

// respondError writes the envelope for an error returned by a service.
// Anything that is not a services.Error is logged and reported as a 500.
func respondError(ctx *gin.Context, log *zap.SugaredLogger, err error) {
	status, code := http.StatusInternalServerError, 50000
	switch services.KindOf(err) {
	case services.KindValidation:
		status, code = http.StatusBadRequest, 40001
		switch {
		case errors.Is(err, services.ErrInvalidEmailCode):
			code = 40009
		case errors.Is(err, services.ErrNoEmail):
			code = 40013
		}
	case services.KindNotFound:
		status, code = http.StatusNotFound, 40401
	case services.KindAuthorization:
		status, code = http.StatusForbidden, 40301
		switch {
		case errors.Is(err, services.ErrUnauthenticated):
			status, code = http.StatusUnauthorized, 40106
		case errors.Is(err, services.ErrInvalidCredentials):
			status, code = http.StatusUnauthorized, 40107
		case errors.Is(err, services.ErrSelfVote):
			code = 40302
		case errors.Is(err, services.ErrNotOwner):
			code = 40303
		default:
			// signature failures carry the verifier error
			if services.Message(err) == services.ErrInvalidSignature.Error() {
				status, code = http.StatusUnauthorized, 40108
			}
		}
	case services.KindConflict:
		status, code = http.StatusConflict, 40901
	case services.KindExternal:
		status, code = http.StatusBadGateway, 50201
		log.Warnw("external service failure", "path", ctx.FullPath(), "error", err)
	default:
		log.Errorw("request failed", "path", ctx.FullPath(), "error", err)
	}
	utils.Error(ctx, status, code, services.Message(err))
}

func parsePagination(pageStr, sizeStr string) (int, int) {
	page := 1
	pageSize := 10
	if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
		page = p
	}
	if s, err := strconv.Atoi(sizeStr); err == nil && s > 0 && s <= 100 {
		pageSize = s
	}
	return page, pageSize
}

func pagination(page, pageSize int, total int64) gin.H {
	return gin.H{
		"page":        page,
		"page_size":   pageSize,
		"total":       total,
		"total_pages": int((total + int64(pageSize) - 1) / int64(pageSize)),
	}
}

// parseID reads a positive numeric path parameter.
func parseID(ctx *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(ctx.Param(name)), 10, 64)
	if err != nil || id == 0 {
		utils.Error(ctx, http.StatusBadRequest, 40002, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

func userResponse(user *models.User) gin.H {
	return gin.H{
		"id":             user.ID,
		"display_name":   user.DisplayName,
		"email":          user.EmailValue(),
		"email_verified": user.EmailVerified,
		"wallet_address": user.WalletValue(),
		"provider":       user.Provider,
		"points":         user.Points,
		"created_at":     user.CreatedAt,
	}
}

func userResponseWithAdmin(user *models.User, admin bool) gin.H {
	m := userResponse(user)
	m["is_admin"] = admin
	return m
}

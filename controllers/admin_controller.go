package controllers

import (
	"context"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/surveyreward/faucet"
	"github.com/cppla/surveyreward/services"
	"github.com/cppla/surveyreward/utils"
	"github.com/cppla/surveyreward/wallet"
)

// FaucetOperator is the part of the faucet client the admin endpoints use.
type FaucetOperator interface {
	BalanceReader
	SetBalance(ctx context.Context, address string, wei *big.Int) error
	AddBalance(ctx context.Context, address string, eth int64) (*big.Int, error)
}

// AdminController holds operator-only endpoints.
type AdminController struct {
	users   *services.UserService
	surveys *services.SurveyService
	faucet  FaucetOperator
	log     *zap.SugaredLogger
}

// NewAdminController creates an AdminController.
func NewAdminController(users *services.UserService, surveys *services.SurveyService, f FaucetOperator, log *zap.SugaredLogger) *AdminController {
	return &AdminController{users: users, surveys: surveys, faucet: f, log: log}
}

// ListUsers returns paginated users.
func (a *AdminController) ListUsers(ctx *gin.Context) {
	page, pageSize := parsePagination(ctx.Query("page"), ctx.Query("page_size"))
	users, total, err := a.users.List(ctx.Request.Context(), page, pageSize)
	if err != nil {
		respondError(ctx, a.log, err)
		return
	}

	items := make([]gin.H, 0, len(users))
	for i := range users {
		m := userResponse(&users[i])
		m["register_ip"] = users[i].RegisterIP
		items = append(items, m)
	}
	utils.Success(ctx, gin.H{"items": items, "pagination": pagination(page, pageSize, total)})
}

// DeleteUser permanently removes an account.
func (a *AdminController) DeleteUser(ctx *gin.Context) {
	id, ok := parseID(ctx, "id")
	if !ok {
		return
	}
	if err := a.users.Delete(ctx.Request.Context(), id); err != nil {
		respondError(ctx, a.log, err)
		return
	}
	utils.Success(ctx, gin.H{"deleted": id})
}

// ReconcileSurvey recomputes the vote counters of a survey from its votes.
func (a *AdminController) ReconcileSurvey(ctx *gin.Context) {
	id, ok := parseID(ctx, "id")
	if !ok {
		return
	}
	fixed, err := a.surveys.ReconcileVoteCounts(ctx.Request.Context(), id)
	if err != nil {
		respondError(ctx, a.log, err)
		return
	}
	utils.Success(ctx, gin.H{"survey_id": id, "options_corrected": fixed})
}

// FaucetBalance reads the balance of any address.
func (a *AdminController) FaucetBalance(ctx *gin.Context) {
	address, err := wallet.NormalizeAddress(ctx.Param("address"))
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40012, err.Error())
		return
	}
	wei, err := a.faucet.Balance(ctx.Request.Context(), address)
	if err != nil {
		writeFaucetError(ctx, a.log, err)
		return
	}
	utils.Success(ctx, balanceResponse(address, wei))
}

// FaucetSetBalance overwrites the balance of an address.
func (a *AdminController) FaucetSetBalance(ctx *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required,wallet"`
		Eth     int64  `json:"eth" binding:"gte=0"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}

	wei := faucet.EthToWei(req.Eth)
	if err := a.faucet.SetBalance(ctx.Request.Context(), req.Address, wei); err != nil {
		writeFaucetError(ctx, a.log, err)
		return
	}
	a.log.Infow("faucet balance set", "address", req.Address, "eth", req.Eth)
	utils.Success(ctx, balanceResponse(req.Address, wei))
}

// FaucetFund adds between 1 and 1000 ETH to an address.
func (a *AdminController) FaucetFund(ctx *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required,wallet"`
		Eth     int64  `json:"eth" binding:"required,min=1,max=1000"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "amount must be between 1 and 1000 ETH")
		return
	}

	wei, err := a.faucet.AddBalance(ctx.Request.Context(), req.Address, req.Eth)
	if err != nil {
		writeFaucetError(ctx, a.log, err)
		return
	}
	a.log.Infow("faucet funded address", "address", req.Address, "eth", req.Eth)
	utils.Success(ctx, balanceResponse(req.Address, wei))
}

package controllers

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/surveyreward/faucet"
	"github.com/cppla/surveyreward/middleware"
	"github.com/cppla/surveyreward/services"
	"github.com/cppla/surveyreward/utils"
)

// BalanceReader reads an on-chain balance in wei.
type BalanceReader interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
}

// RewardController exposes point conversion.
type RewardController struct {
	rewards *services.RewardService
	users   *services.UserService
	chain   BalanceReader
	log     *zap.SugaredLogger
}

// NewRewardController creates a RewardController.
func NewRewardController(rewards *services.RewardService, users *services.UserService, chain BalanceReader, log *zap.SugaredLogger) *RewardController {
	return &RewardController{rewards: rewards, users: users, chain: chain, log: log}
}

// Overview returns the caller's points, wallet and recent conversions.
func (r *RewardController) Overview(ctx *gin.Context) {
	ov, err := r.rewards.Overview(ctx.Request.Context(), middleware.Actor(ctx))
	if err != nil {
		respondError(ctx, r.log, err)
		return
	}
	utils.Success(ctx, ov)
}

// Convert turns points into ETH sent to the caller's linked wallet.
func (r *RewardController) Convert(ctx *gin.Context) {
	var req struct {
		Points        int    `json:"points"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}

	receipt, err := r.rewards.Convert(ctx.Request.Context(), middleware.Actor(ctx), req.Points, req.WalletAddress)
	if err != nil {
		respondError(ctx, r.log, err)
		return
	}
	utils.Respond(ctx, http.StatusOK, 0, "points converted", receipt)
}

// History lists the caller's conversions, newest first.
func (r *RewardController) History(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	items, err := r.rewards.History(ctx.Request.Context(), middleware.Actor(ctx), limit)
	if err != nil {
		respondError(ctx, r.log, err)
		return
	}
	utils.Success(ctx, gin.H{"items": items})
}

// WalletBalance reads the on-chain balance of the caller's linked wallet.
func (r *RewardController) WalletBalance(ctx *gin.Context) {
	user, err := r.users.Get(ctx.Request.Context(), middleware.Actor(ctx).UserID)
	if err != nil {
		respondError(ctx, r.log, err)
		return
	}
	address := user.WalletValue()
	if address == "" {
		utils.Error(ctx, http.StatusBadRequest, 40010, services.ErrNoWallet.Error())
		return
	}

	wei, err := r.chain.Balance(ctx.Request.Context(), address)
	if err != nil {
		writeFaucetError(ctx, r.log, err)
		return
	}
	utils.Success(ctx, balanceResponse(address, wei))
}

func balanceResponse(address string, wei *big.Int) gin.H {
	return gin.H{
		"address": address,
		"wei":     wei.String(),
		"eth":     faucet.WeiToEth(wei),
	}
}

func writeFaucetError(ctx *gin.Context, log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, faucet.ErrNotConfigured):
		utils.Error(ctx, http.StatusServiceUnavailable, 50301, "the faucet network is not configured")
	case errors.Is(err, faucet.ErrInvalidAmount):
		utils.Error(ctx, http.StatusBadRequest, 40011, err.Error())
	default:
		log.Warnw("faucet request failed", "path", ctx.FullPath(), "error", err)
		utils.Error(ctx, http.StatusBadGateway, 50201, "the faucet network request failed")
	}
}

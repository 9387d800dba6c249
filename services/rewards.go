package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/surveyreward/models"
)

// maxConversionError caps the stored faucet error, in bytes.
const maxConversionError = 500

// errNotPending means another path already moved the conversion out of pending.
var errNotPending = errors.New("conversion is no longer pending")

// Funder pays out ETH to a wallet and returns the transaction hash.
type Funder interface {
	Fund(ctx context.Context, address string, eth int64) (string, error)
}

// ChainInfo describes the network rewards are paid on.
type ChainInfo struct {
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	RPCURL    string `json:"rpc_url"`
}

// RewardService converts points into ETH through a Funder.
type RewardService struct {
	db        *gorm.DB
	funder    Funder
	maxPoints int
	chain     ChainInfo
	log       *zap.SugaredLogger
}

// NewRewardService creates a RewardService capping each conversion at maxPoints.
func NewRewardService(db *gorm.DB, funder Funder, maxPoints int, chain ChainInfo, log *zap.SugaredLogger) *RewardService {
	return &RewardService{db: db, funder: funder, maxPoints: maxPoints, chain: chain, log: log}
}

// Receipt is returned for a completed conversion. One point is one ETH.
type Receipt struct {
	ConversionID    uint   `json:"conversion_id"`
	ReceiptID       string `json:"receipt_id"`
	TxHash          string `json:"tx_hash"`
	EthAmount       int64  `json:"eth_amount"`
	WalletAddress   string `json:"wallet_address"`
	RemainingPoints int    `json:"remaining_points"`
}

// Overview is what the rewards page shows.
type Overview struct {
	Points              int                      `json:"points"`
	WalletAddress       string                   `json:"wallet_address"`
	MaxConversionPoints int                      `json:"max_conversion_points"`
	Chain               ChainInfo                `json:"chain"`
	Recent              []models.PointConversion `json:"recent"`
}

// Convert turns points into ETH paid to the actor's linked wallet.
//
// Points are reserved (deducted and recorded as a pending conversion) before
// the faucet is called. A faucet failure refunds them and marks the
// conversion failed; success marks it completed with the transaction hash.
// A crash between the two leaves the conversion pending with its points
// reserved, for ReconcileStale to flag.
func (s *RewardService) Convert(ctx context.Context, actor Actor, points int, walletAddress string) (*Receipt, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if points <= 0 {
		return nil, validationf("points must be greater than zero")
	}
	if points > s.maxPoints {
		return nil, validationf("you can convert at most %d points at a time", s.maxPoints)
	}

	db := s.db.WithContext(ctx)

	var user models.User
	if err := db.First(&user, actor.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(ErrUserNotFound)
		}
		return nil, err
	}
	if err := checkConvertible(&user, points, walletAddress); err != nil {
		return nil, err
	}

	conversion := models.PointConversion{
		ReceiptID:     uuid.NewString(),
		UserID:        user.ID,
		Points:        points,
		EthAmount:     int64(points),
		WalletAddress: user.WalletValue(),
		Status:        models.ConversionPending,
	}

	// Reserve.
	var remaining int
	err := db.Transaction(func(tx *gorm.DB) error {
		locked, err := lockUser(tx, user.ID)
		if err != nil {
			return err
		}
		if err := checkConvertible(locked, points, walletAddress); err != nil {
			return err
		}
		if remaining, err = creditPoints(tx, user.ID, -points); err != nil {
			return err
		}
		return tx.Create(&conversion).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("conversion reserved", "conversion_id", conversion.ID, "user_id", user.ID, "points", points)

	// External call.
	txHash, fundErr := s.funder.Fund(ctx, conversion.WalletAddress, conversion.EthAmount)
	if fundErr != nil {
		if err := s.compensate(conversion, fundErr); err != nil {
			return nil, external("the faucet could not fund your wallet and your points are held for review, please contact support", fundErr)
		}
		return nil, external("the faucet could not fund your wallet, your points were not deducted", fundErr)
	}

	// Commit.
	now := time.Now()
	if err := s.db.Model(&models.PointConversion{}).
		Where("id = ? AND status = ?", conversion.ID, models.ConversionPending).
		Updates(map[string]any{"status": models.ConversionCompleted, "tx_hash": txHash, "completed_at": now}).Error; err != nil {
		// The wallet is funded and the points are gone; only the record lags.
		s.log.Errorw("conversion commit failed", "conversion_id", conversion.ID, "tx_hash", txHash, "error", err)
	}
	s.log.Infow("conversion completed", "conversion_id", conversion.ID, "user_id", user.ID, "eth", conversion.EthAmount, "tx_hash", txHash)

	return &Receipt{
		ConversionID:    conversion.ID,
		ReceiptID:       conversion.ReceiptID,
		TxHash:          txHash,
		EthAmount:       conversion.EthAmount,
		WalletAddress:   conversion.WalletAddress,
		RemainingPoints: remaining,
	}, nil
}

// compensate refunds a reserved conversion after a faucet failure. It runs on a
// fresh context so a cancelled request still gets its points back. A nil
// return means the points were credited back.
func (s *RewardService) compensate(conversion models.PointConversion, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := truncateUTF8(cause.Error(), maxConversionError)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PointConversion{}).
			Where("id = ? AND status = ?", conversion.ID, models.ConversionPending).
			Updates(map[string]any{"status": models.ConversionFailed, "error": msg})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errNotPending
		}
		_, err := creditPoints(tx, conversion.UserID, conversion.Points)
		return err
	})
	if err != nil {
		s.log.Errorw("conversion refund failed", "conversion_id", conversion.ID, "user_id", conversion.UserID, "points", conversion.Points, "error", err, "cause", cause)
		return err
	}
	s.log.Warnw("conversion failed and refunded", "conversion_id", conversion.ID, "user_id", conversion.UserID, "points", conversion.Points, "error", cause)
	return nil
}

// Overview returns the actor's balance, wallet, chain details and recent conversions.
func (s *RewardService) Overview(ctx context.Context, actor Actor) (*Overview, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, actor.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(ErrUserNotFound)
		}
		return nil, err
	}

	recent, err := s.History(ctx, actor, 5)
	if err != nil {
		return nil, err
	}

	return &Overview{
		Points:              user.Points,
		WalletAddress:       user.WalletValue(),
		MaxConversionPoints: s.maxPoints,
		Chain:               s.chain,
		Recent:              recent,
	}, nil
}

// History returns the actor's conversions, newest first.
func (s *RewardService) History(ctx context.Context, actor Actor, limit int) ([]models.PointConversion, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var items []models.PointConversion
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", actor.UserID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// ReconcileStale marks conversions pending for longer than olderThan as stale
// and returns how many were flagged. Their points stay reserved since the
// wallet may or may not have been funded.
func (s *RewardService) ReconcileStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&models.PointConversion{}).
		Where("status = ? AND created_at < ?", models.ConversionPending, cutoff).
		Update("status", models.ConversionStale)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Warnw("stale conversions flagged", "count", res.RowsAffected, "older_than", olderThan.String())
	}
	return res.RowsAffected, nil
}

// checkConvertible applies the balance and wallet checks in order.
func checkConvertible(user *models.User, points int, walletAddress string) error {
	if points > user.Points {
		return &Error{Kind: KindValidation, Message: "you do not have enough points for this conversion", Err: ErrInsufficientPoints}
	}
	linked := user.WalletValue()
	if linked == "" {
		return invalid(ErrNoWallet)
	}
	if !strings.EqualFold(strings.TrimSpace(walletAddress), linked) {
		return invalid(ErrWalletMismatch)
	}
	return nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a multi-byte rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

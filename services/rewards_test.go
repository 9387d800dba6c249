package services_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cppla/surveyreward/models"
	"github.com/cppla/surveyreward/services"
	"github.com/cppla/surveyreward/testutil"
)

const stubHash = "0x9fc76417374aa880d4449a1f7f31ec597f00b1f6f3dd2d66f4c9c6c445836d8b"

type fundCall struct {
	address string
	eth     int64
}

// stubFunder records payouts and optionally fails them. during runs inside
// the call, while the points are reserved.
type stubFunder struct {
	mu     sync.Mutex
	calls  []fundCall
	err    error
	during func()
}

func (f *stubFunder) Fund(_ context.Context, address string, eth int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fundCall{address: address, eth: eth})
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return "", f.err
	}
	return stubHash, nil
}

func (f *stubFunder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newRewards(t *testing.T, funder services.Funder) (*gorm.DB, *services.RewardService) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	chain := services.ChainInfo{ChainID: "11155112", ChainName: "Sepolia Testnet"}
	return db, services.NewRewardService(db, funder, 100, chain, nopLog)
}

func TestConvertPoints(t *testing.T) {
	funder := &stubFunder{}
	db, svc := newRewards(t, funder)
	user := testutil.CreateTestUser(t, db, "saver@example.com", "0xABCDEF0000000000000000000000000000000001", 30)

	receipt, err := svc.Convert(context.Background(), actorOf(user), 30, "0xabcdef0000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("Should convert all points: %v", err)
	}

	if receipt.EthAmount != 30 || receipt.RemainingPoints != 0 || receipt.TxHash != stubHash {
		t.Errorf("Unexpected receipt %+v", receipt)
	}
	if receipt.ReceiptID == "" {
		t.Errorf("Should carry a receipt id")
	}
	if got := testutil.Points(t, db, user.ID); got != 0 {
		t.Errorf("Should leave 0 points, got %d", got)
	}

	if funder.count() != 1 {
		t.Fatalf("Should call the faucet once, got %d", funder.count())
	}
	if c := funder.calls[0]; c.address != "0xABCDEF0000000000000000000000000000000001" || c.eth != 30 {
		t.Errorf("Should fund the stored wallet with 30 ETH, got %+v", c)
	}

	var conv models.PointConversion
	if err := db.First(&conv, receipt.ConversionID).Error; err != nil {
		t.Fatalf("Should store the conversion: %v", err)
	}
	if conv.Status != models.ConversionCompleted || conv.TxHash != stubHash || conv.CompletedAt == nil || conv.Points != 30 {
		t.Errorf("Unexpected conversion record %+v", conv)
	}
}

func TestConvertRejections(t *testing.T) {
	funder := &stubFunder{}
	db, svc := newRewards(t, funder)
	ctx := context.Background()

	const addr = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"
	rich := testutil.CreateTestUser(t, db, "rich@example.com", addr, 500)
	poor := testutil.CreateTestUser(t, db, "poor@example.com", "0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0", 10)
	walletless := testutil.CreateTestUser(t, db, "nowallet@example.com", "", 50)

	tests := []struct {
		name   string
		actor  services.Actor
		points int
		wallet string
		kind   services.Kind
		target error
	}{
		{name: "zero points", actor: actorOf(rich), points: 0, wallet: addr, kind: services.KindValidation},
		{name: "negative points", actor: actorOf(rich), points: -5, wallet: addr, kind: services.KindValidation},
		{name: "above the cap", actor: actorOf(rich), points: 101, wallet: addr, kind: services.KindValidation},
		{name: "more than owned", actor: actorOf(poor), points: 11, wallet: "0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0", kind: services.KindValidation, target: services.ErrInsufficientPoints},
		{name: "no linked wallet", actor: actorOf(walletless), points: 5, wallet: addr, kind: services.KindValidation, target: services.ErrNoWallet},
		{name: "different wallet", actor: actorOf(rich), points: 5, wallet: "0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0", kind: services.KindValidation, target: services.ErrWalletMismatch},
		{name: "anonymous", actor: services.Actor{}, points: 5, wallet: addr, kind: services.KindAuthorization},
		{name: "deleted user", actor: services.Actor{UserID: 9999}, points: 5, wallet: addr, kind: services.KindNotFound, target: services.ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Convert(ctx, tt.actor, tt.points, tt.wallet)
			expectKind(t, err, tt.kind, tt.target)
		})
	}

	if funder.count() != 0 {
		t.Errorf("Should never call the faucet for a rejected conversion, got %d calls", funder.count())
	}
	if n := testutil.Count(t, db, &models.PointConversion{}, ""); n != 0 {
		t.Errorf("Should not record rejected conversions, got %d", n)
	}
	for u, want := range map[*models.User]int{rich: 500, poor: 10, walletless: 50} {
		if got := testutil.Points(t, db, u.ID); got != want {
			t.Errorf("Should keep %d points for %s, got %d", want, u.EmailValue(), got)
		}
	}
}

func TestConvertFaucetFailureRefunds(t *testing.T) {
	cause := errors.New("rpc unavailable")
	funder := &stubFunder{err: cause}
	db, svc := newRewards(t, funder)
	user := testutil.CreateTestUser(t, db, "unlucky@example.com", "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", 40)

	_, err := svc.Convert(context.Background(), actorOf(user), 25, "0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")
	expectKind(t, err, services.KindExternal, cause)
	if !strings.Contains(services.Message(err), "not deducted") {
		t.Errorf("Should tell the user the points were kept, got %q", services.Message(err))
	}

	if got := testutil.Points(t, db, user.ID); got != 40 {
		t.Errorf("Should refund the reserved points, got %d", got)
	}

	var conv models.PointConversion
	if err := db.Where("user_id = ?", user.ID).First(&conv).Error; err != nil {
		t.Fatalf("Should keep a record of the failed conversion: %v", err)
	}
	if conv.Status != models.ConversionFailed || conv.Error != cause.Error() {
		t.Errorf("Should mark the conversion failed with the cause, got %+v", conv)
	}
}

func TestConvertRefundNotApplied(t *testing.T) {
	cause := errors.New("rpc unavailable")
	funder := &stubFunder{err: cause}
	db, svc := newRewards(t, funder)
	user := testutil.CreateTestUser(t, db, "stuck@example.com", "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", 40)

	// the reconciler flags the conversion while the faucet call hangs
	funder.during = func() {
		if err := db.Model(&models.PointConversion{}).Where("user_id = ?", user.ID).Update("status", models.ConversionStale).Error; err != nil {
			t.Errorf("Failed to flag the conversion: %v", err)
		}
	}

	_, err := svc.Convert(context.Background(), actorOf(user), 25, "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	expectKind(t, err, services.KindExternal, cause)
	if msg := services.Message(err); strings.Contains(msg, "not deducted") || !strings.Contains(msg, "support") {
		t.Errorf("Should not claim a refund that did not happen, got %q", msg)
	}
	if got := testutil.Points(t, db, user.ID); got != 15 {
		t.Errorf("Should keep the points reserved, got %d", got)
	}
	if n := testutil.Count(t, db, &models.PointConversion{}, "user_id = ? AND status = ?", user.ID, models.ConversionStale); n != 1 {
		t.Errorf("Should leave the conversion for review, got %d stale", n)
	}
}

func TestConvertFailureKeepsValidUTF8(t *testing.T) {
	cause := errors.New(strings.Repeat("x", 499) + "überlastet")
	funder := &stubFunder{err: cause}
	db, svc := newRewards(t, funder)
	user := testutil.CreateTestUser(t, db, "utf8@example.com", "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", 10)

	_, err := svc.Convert(context.Background(), actorOf(user), 10, "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	expectKind(t, err, services.KindExternal, cause)

	var conv models.PointConversion
	if err := db.Where("user_id = ?", user.ID).First(&conv).Error; err != nil {
		t.Fatalf("Should keep a record of the failed conversion: %v", err)
	}
	if !utf8.ValidString(conv.Error) {
		t.Errorf("Should store valid UTF-8, got %q", conv.Error[len(conv.Error)-4:])
	}
	if len(conv.Error) != 499 {
		t.Errorf("Should cut before the split rune at 499 bytes, got %d", len(conv.Error))
	}
}

func TestConcurrentConversions(t *testing.T) {
	funder := &stubFunder{}
	db, svc := newRewards(t, funder)
	const addr = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"
	user := testutil.CreateTestUser(t, db, "racer@example.com", addr, 50)

	var mu sync.Mutex
	ok := 0
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Convert(context.Background(), actorOf(user), 20, addr)
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, services.ErrInsufficientPoints) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 2 {
		t.Fatalf("Should allow exactly 2 conversions of 20 out of 50, got %d", ok)
	}
	if got := testutil.Points(t, db, user.ID); got != 10 {
		t.Errorf("Should leave 10 points, got %d", got)
	}
	if funder.count() != 2 {
		t.Errorf("Should fund twice, got %d", funder.count())
	}
}

func TestReconcileStale(t *testing.T) {
	db, svc := newRewards(t, &stubFunder{})
	user := testutil.CreateTestUser(t, db, "crash@example.com", "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", 0)

	seed := []struct {
		status string
		age    time.Duration
	}{
		{models.ConversionPending, 2 * time.Hour},
		{models.ConversionPending, time.Minute},
		{models.ConversionCompleted, 2 * time.Hour},
	}
	for _, s := range seed {
		conv := models.PointConversion{
			ReceiptID:     uuid.NewString(),
			UserID:        user.ID,
			Points:        5,
			EthAmount:     5,
			WalletAddress: user.WalletValue(),
			Status:        s.status,
			CreatedAt:     time.Now().Add(-s.age),
		}
		if err := db.Create(&conv).Error; err != nil {
			t.Fatalf("Failed to seed conversion: %v", err)
		}
	}

	n, err := svc.ReconcileStale(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("ReconcileStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Should flag 1 conversion, got %d", n)
	}
	if got := testutil.Count(t, db, &models.PointConversion{}, "status = ?", models.ConversionStale); got != 1 {
		t.Errorf("Should store 1 stale conversion, got %d", got)
	}
	if got := testutil.Count(t, db, &models.PointConversion{}, "status = ?", models.ConversionPending); got != 1 {
		t.Errorf("Should leave the recent conversion pending, got %d", got)
	}
}

func TestOverviewAndHistory(t *testing.T) {
	funder := &stubFunder{}
	db, svc := newRewards(t, funder)
	ctx := context.Background()
	const addr = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"
	user := testutil.CreateTestUser(t, db, "viewer@example.com", addr, 20)

	for _, pts := range []int{3, 4} {
		if _, err := svc.Convert(ctx, actorOf(user), pts, addr); err != nil {
			t.Fatalf("Convert failed: %v", err)
		}
	}

	ov, err := svc.Overview(ctx, actorOf(user))
	if err != nil {
		t.Fatalf("Overview failed: %v", err)
	}
	if ov.Points != 13 || ov.WalletAddress != addr || ov.MaxConversionPoints != 100 || ov.Chain.ChainID != "11155112" {
		t.Errorf("Unexpected overview %+v", ov)
	}
	if len(ov.Recent) != 2 {
		t.Fatalf("Should list 2 recent conversions, got %d", len(ov.Recent))
	}

	history, err := svc.History(ctx, actorOf(user), 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Points != 4 {
		t.Errorf("Should return the newest conversion first, got %+v", history)
	}

	_, err = svc.Overview(ctx, services.Actor{})
	expectKind(t, err, services.KindAuthorization, nil)
}

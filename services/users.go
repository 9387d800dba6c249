package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/surveyreward/models"
	"github.com/cppla/surveyreward/utils"
	"github.com/cppla/surveyreward/wallet"
)

const minPasswordLength = 6

var validate = validator.New()

// SignatureVerifier checks that signature was produced over message by the
// key behind address.
type SignatureVerifier interface {
	Verify(address, message, signature string) error
}

// UserService manages accounts and their credentials.
type UserService struct {
	db       *gorm.DB
	verifier SignatureVerifier
	log      *zap.SugaredLogger
}

// NewUserService creates a UserService.
func NewUserService(db *gorm.DB, verifier SignatureVerifier, log *zap.SugaredLogger) *UserService {
	return &UserService{db: db, verifier: verifier, log: log}
}

// RegisterInput carries an email and password sign up. EmailCode is the
// optional code mailed to Email; without it the email stays unverified.
type RegisterInput struct {
	Email       string
	EmailCode   string
	Password    string
	DisplayName string
	RegisterIP  string
}

// WalletRegisterInput carries a wallet based sign up. Email is optional.
type WalletRegisterInput struct {
	Address     string
	Email       string
	EmailCode   string
	DisplayName string
	Message     string
	Signature   string
	RegisterIP  string
}

// Register creates an email and password account with zero points.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if email == "" {
		return nil, validationf("email is required")
	}
	if len(in.Password) < minPasswordLength {
		return nil, validationf("password must be at least %d characters", minPasswordLength)
	}
	if len(in.Password) > utils.MaxPasswordBytes {
		return nil, invalid(utils.ErrPasswordTooLong)
	}

	verified, err := checkEmailCode(email, in.EmailCode)
	if err != nil {
		return nil, err
	}

	hash, err := utils.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	user := models.User{
		DisplayName:   displayName(in.DisplayName, email),
		Email:         &email,
		EmailVerified: verified,
		PasswordHash:  hash,
		Provider:      "local",
		RegisterIP:    in.RegisterIP,
	}
	if err := s.create(ctx, &user); err != nil {
		return nil, err
	}

	s.log.Infow("user registered", "user_id", user.ID, "provider", "local")
	return &user, nil
}

// Login checks an email and password. Unknown emails and wrong passwords are
// reported identically.
func (s *UserService) Login(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, unauthorized(ErrInvalidCredentials)
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, unauthorized(ErrInvalidCredentials)
		}
		return nil, err
	}
	if user.PasswordHash == "" || !utils.CheckPassword(user.PasswordHash, password) {
		return nil, unauthorized(ErrInvalidCredentials)
	}

	if utils.NeedsRehash(user.PasswordHash) {
		if hash, err := utils.HashPassword(password); err == nil {
			if err := s.db.WithContext(ctx).Model(&user).Update("password_hash", hash).Error; err != nil {
				s.log.Warnw("password rehash not saved", "user_id", user.ID, "error", err)
			}
		}
	}
	return &user, nil
}

// RegisterWithWallet creates an account owned by a wallet after verifying
// the wallet signed the login message.
func (s *UserService) RegisterWithWallet(ctx context.Context, in WalletRegisterInput) (*models.User, error) {
	address, err := normalizeWallet(in.Address)
	if err != nil {
		return nil, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	verified, err := checkEmailCode(email, in.EmailCode)
	if err != nil {
		return nil, err
	}
	if err := s.verify(address, in.Message, in.Signature); err != nil {
		return nil, err
	}

	user := models.User{
		DisplayName:   displayName(in.DisplayName, address),
		WalletAddress: &address,
		Provider:      "wallet",
		RegisterIP:    in.RegisterIP,
	}
	if email != "" {
		user.Email = &email
		user.EmailVerified = verified
	}
	if err := s.create(ctx, &user); err != nil {
		return nil, err
	}

	s.log.Infow("user registered", "user_id", user.ID, "provider", "wallet", "wallet", address)
	return &user, nil
}

// LoginWithWallet authenticates the owner of a registered wallet.
func (s *UserService) LoginWithWallet(ctx context.Context, address, message, signature string) (*models.User, error) {
	addr, err := normalizeWallet(address)
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", addr).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(ErrWalletNotRegistered)
		}
		return nil, err
	}
	if err := s.verify(addr, message, signature); err != nil {
		return nil, err
	}
	return &user, nil
}

// LinkWallet attaches a verified wallet to the actor's account, replacing any
// previously linked wallet.
func (s *UserService) LinkWallet(ctx context.Context, actor Actor, address, message, signature string) (*models.User, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	addr, err := normalizeWallet(address)
	if err != nil {
		return nil, err
	}
	if err := s.verify(addr, message, signature); err != nil {
		return nil, err
	}

	var user models.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner models.User
		err := tx.Where("wallet_address = ?", addr).First(&owner).Error
		switch {
		case err == nil && owner.ID != actor.UserID:
			return conflict(ErrWalletTaken)
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		locked, err := lockUser(tx, actor.UserID)
		if err != nil {
			return err
		}
		if err := tx.Model(locked).Update("wallet_address", addr).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return conflict(ErrWalletTaken)
			}
			return err
		}
		locked.WalletAddress = &addr
		user = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("wallet linked", "user_id", user.ID, "wallet", addr)
	return &user, nil
}

// FindOrCreateOAuth returns the account bound to a third-party identity,
// creating it on first login. email must be one the provider has verified.
// A local account holding the same verified email is bound to the provider.
// An account holding it unverified loses the email to the new account, so a
// squatter's password never reaches the provider identity.
func (s *UserService) FindOrCreateOAuth(ctx context.Context, provider, providerID, email, name string) (*models.User, error) {
	if provider == "" || providerID == "" {
		return nil, validationf("oauth identity is incomplete")
	}
	normalized, err := normalizeEmail(email)
	if err != nil {
		normalized = ""
	}

	var user models.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("provider = ? AND provider_id = ?", provider, providerID).First(&user).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if normalized != "" {
			var holder models.User
			err := tx.Where("email = ?", normalized).First(&holder).Error
			switch {
			case err == nil && holder.EmailVerified:
				user = holder
				return tx.Model(&user).Updates(map[string]any{"provider": provider, "provider_id": providerID}).Error
			case err == nil:
				if err := s.releaseEmail(tx, &holder); err != nil {
					return err
				}
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}

		user = models.User{
			DisplayName: displayName(name, normalized),
			Provider:    provider,
			ProviderID:  providerID,
			RegisterIP:  "oauth",
		}
		if normalized != "" {
			user.Email = &normalized
			user.EmailVerified = true
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyEmail marks the actor's email as verified when code matches the one
// mailed to it.
func (s *UserService) VerifyEmail(ctx context.Context, actor Actor, code string) (*models.User, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	user, err := s.Get(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if user.Email == nil {
		return nil, invalid(ErrNoEmail)
	}
	if user.EmailVerified {
		return user, nil
	}
	if !utils.VerifyEmailCode(user.EmailValue(), strings.TrimSpace(code)) {
		return nil, invalid(ErrInvalidEmailCode)
	}
	if err := s.db.WithContext(ctx).Model(user).Update("email_verified", true).Error; err != nil {
		return nil, err
	}
	user.EmailVerified = true
	s.log.Infow("email verified", "user_id", user.ID)
	return user, nil
}

// Get returns a user by id.
func (s *UserService) Get(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(ErrUserNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// List pages through users, newest first.
func (s *UserService) List(ctx context.Context, page, size int) ([]models.User, int64, error) {
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&models.User{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var users []models.User
	if err := db.Order("created_at DESC, id DESC").Offset((page - 1) * size).Limit(size).Find(&users).Error; err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// Delete permanently removes a user so the email and wallet can be reused.
// The user's active surveys are ended with it. Votes already cast stay in
// place to keep tallies consistent.
func (s *UserService) Delete(ctx context.Context, id uint) error {
	var ended int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Survey{}).
			Where("creator_id = ? AND active = ?", id, true).
			Updates(map[string]any{"active": false, "ended_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		ended = res.RowsAffected

		res = tx.Unscoped().Delete(&models.User{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound(ErrUserNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Infow("user deleted", "user_id", id, "surveys_ended", ended)
	return nil
}

// create inserts user after checking its email and wallet are free. A
// verified email takes over a row that only claims it unverified.
func (s *UserService) create(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if user.Email != nil {
			var holder models.User
			err := tx.Where("email = ?", *user.Email).First(&holder).Error
			switch {
			case err == nil && user.EmailVerified && !holder.EmailVerified:
				if err := s.releaseEmail(tx, &holder); err != nil {
					return err
				}
			case err == nil:
				return conflict(ErrEmailTaken)
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}
		if user.WalletAddress != nil {
			var n int64
			if err := tx.Model(&models.User{}).Where("wallet_address = ?", *user.WalletAddress).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return conflict(ErrWalletTaken)
			}
		}

		if err := tx.Create(user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return &Error{Kind: KindConflict, Message: "account already registered", Err: err}
			}
			return err
		}
		return nil
	})
}

// releaseEmail clears an unverified email from holder so its owner can claim it.
func (s *UserService) releaseEmail(tx *gorm.DB, holder *models.User) error {
	err := tx.Model(&models.User{}).Where("id = ? AND email_verified = ?", holder.ID, false).
		Updates(map[string]any{"email": nil, "email_verified": false}).Error
	if err != nil {
		return err
	}
	s.log.Warnw("unverified email released", "user_id", holder.ID)
	return nil
}

// checkEmailCode reports whether code proves ownership of email. An empty
// code leaves the email unverified; a wrong one is rejected.
func checkEmailCode(email, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" || email == "" {
		return false, nil
	}
	if !utils.VerifyEmailCode(email, code) {
		return false, invalid(ErrInvalidEmailCode)
	}
	return true, nil
}

func (s *UserService) verify(address, message, signature string) error {
	if strings.TrimSpace(message) == "" || strings.TrimSpace(signature) == "" {
		return validationf("message and signature are required")
	}
	if err := s.verifier.Verify(address, message, signature); err != nil {
		s.log.Infow("wallet signature rejected", "wallet", address, "error", err)
		return &Error{Kind: KindAuthorization, Message: ErrInvalidSignature.Error(), Err: err}
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", nil
	}
	if err := validate.Var(email, "email,max=255"); err != nil {
		return "", validationf("invalid email address")
	}
	return email, nil
}

func normalizeWallet(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", validationf("wallet address is required")
	}
	addr, err := wallet.NormalizeAddress(raw)
	if err != nil {
		return "", invalid(err)
	}
	return addr, nil
}

func displayName(name, fallback string) string {
	if n := utils.CleanText(name); n != "" {
		if len([]rune(n)) > 64 {
			n = string([]rune(n)[:64])
		}
		return n
	}
	if i := strings.Index(fallback, "@"); i > 0 {
		return fallback[:i]
	}
	if len(fallback) > 10 {
		return fallback[:6] + "..." + fallback[len(fallback)-4:]
	}
	return fallback
}

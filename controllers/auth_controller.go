package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/cppla/surveyreward/config"
	"github.com/cppla/surveyreward/middleware"
	"github.com/cppla/surveyreward/models"
	"github.com/cppla/surveyreward/services"
	"github.com/cppla/surveyreward/utils"
	"github.com/cppla/surveyreward/wallet"
)

const (
	tokenTTL        = 72 * time.Hour
	walletNonceTTL  = 10 * time.Minute
	oauthStateTTL   = 10 * time.Minute
	oauthFetchLimit = 10 * time.Second
	emailCodeTTL    = 10 * time.Minute
	emailCooldown   = 60 * time.Second
	emailCodeDigits = 6
)

// MailSender delivers a plain text message. utils.SendMail is the production one.
type MailSender func(to, subject, body string) error

// AuthController handles local, wallet and third-party authentication.
type AuthController struct {
	users *services.UserService
	mail  MailSender
	log   *zap.SugaredLogger
}

// NewAuthController creates an AuthController.
func NewAuthController(users *services.UserService, mail MailSender, log *zap.SugaredLogger) *AuthController {
	if mail == nil {
		mail = utils.SendMail
	}
	return &AuthController{users: users, mail: mail, log: log}
}

// Register creates an email and password account.
func (a *AuthController) Register(ctx *gin.Context) {
	var req struct {
		Email         string `json:"email" binding:"required"`
		EmailCode     string `json:"email_code"`
		Password      string `json:"password" binding:"required"`
		DisplayName   string `json:"display_name"`
		CaptchaID     string `json:"captcha_id"`
		CaptchaAnswer string `json:"captcha_answer"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}

	ip := ctx.ClientIP()
	if !a.registrationAllowed(ctx, ip, req.CaptchaID, req.CaptchaAnswer) {
		return
	}

	user, err := a.users.Register(ctx.Request.Context(), services.RegisterInput{
		Email:       req.Email,
		EmailCode:   req.EmailCode,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		RegisterIP:  ip,
	})
	if err != nil {
		respondError(ctx, a.log, err)
		return
	}
	utils.RegistrationDailyIncrement(ip)

	a.issueToken(ctx, user)
}

// Login authenticates with email and password.
func (a *AuthController) Login(ctx *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}

	user, err := a.users.Login(ctx.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(ctx, a.log, err)
		return
	}
	a.issueToken(ctx, user)
}

// SendEmailCode mails a verification code to prove ownership of an email,
// either before registering or for an existing account.
func (a *AuthController) SendEmailCode(ctx *gin.Context) {
	var req struct {
		Email         string `json:"email" binding:"required,email,max=255"`
		CaptchaID     string `json:"captcha_id"`
		CaptchaAnswer string `json:"captcha_answer"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}
	if config.Get().RegisterCaptchaEnabled && !utils.VerifyCaptcha(req.CaptchaID, req.CaptchaAnswer) {
		utils.Error(ctx, http.StatusBadRequest, 40003, "invalid or expired captcha")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !utils.EmailCooldownTrySet(email, emailCooldown) {
		utils.Error(ctx, http.StatusTooManyRequests, 42910, "please wait before requesting another code")
		return
	}

	code, err := utils.GenerateVerificationCode(emailCodeDigits)
	if err != nil {
		a.log.Errorw("verification code generation failed", "error", err)
		utils.Error(ctx, http.StatusInternalServerError, 50000, "failed to generate code")
		return
	}
	utils.SaveEmailCode(email, code, emailCodeTTL)

	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(emailCodeTTL.Minutes()))
	if err := a.mail(email, "Your verification code", body); err != nil {
		if errors.Is(err, utils.ErrMailNotConfigured) {
			utils.Error(ctx, http.StatusServiceUnavailable, 50302, "email delivery is not configured")
			return
		}
		a.log.Warnw("verification email failed", "error", err)
		utils.Error(ctx, http.StatusBadGateway, 50203, "failed to send the verification email")
		return
	}
	utils.Success(ctx, gin.H{"message": "verification code sent", "expires_in": int(emailCodeTTL.Seconds())})
}

// VerifyEmail confirms the caller's email with a mailed code and returns a
// token that carries it.
func (a *AuthController) VerifyEmail(ctx *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}

	user, err := a.users.VerifyEmail(ctx.Request.Context(), middleware.Actor(ctx), req.Code)
	if err != nil {
		respondError(ctx, a.log, err)
		return
	}
	a.issueToken(ctx, user)
}

// Captcha returns a new captcha image for the registration form.
func (a *AuthController) Captcha(ctx *gin.Context) {
	id, image, err := utils.GenerateCaptcha()
	if err != nil {
		a.log.Errorw("captcha generation failed", "error", err)
		utils.Error(ctx, http.StatusInternalServerError, 50010, "failed to generate captcha")
		return
	}
	utils.Success(ctx, gin.H{"captcha_id": id, "image": image})
}

// WalletMessage issues a single-use nonce and the message the wallet must sign.
func (a *AuthController) WalletMessage(ctx *gin.Context) {
	nonce := uuid.NewString()
	utils.SaveNonce(utils.NonceWallet, nonce, walletNonceTTL)
	utils.Success(ctx, gin.H{
		"nonce":      nonce,
		"message":    wallet.AuthMessage(nonce),
		"expires_in": int(walletNonceTTL.Seconds()),
	})
}

type walletProof struct {
	Address   string `json:"address" binding:"required,wallet"`
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// WalletRegister creates an account owned by the signing wallet.
func (a *AuthController) WalletRegister(ctx *gin.Context) {
	var req struct {
		walletProof
		Email         string `json:"email"`
		EmailCode     string `json:"email_code"`
		DisplayName   string `json:"display_name"`
		CaptchaID     string `json:"captcha_id"`
		CaptchaAnswer string `json:"captcha_answer"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}
	if !consumeWalletNonce(ctx, req.Message) {
		return
	}

	ip := ctx.ClientIP()
	if !a.registrationAllowed(ctx, ip, req.CaptchaID, req.CaptchaAnswer) {
		return
	}

	user, err := a.users.RegisterWithWallet(ctx.Request.Context(), services.WalletRegisterInput{
		Address:     req.Address,
		Email:       req.Email,
		EmailCode:   req.EmailCode,
		DisplayName: req.DisplayName,
		Message:     req.Message,
		Signature:   req.Signature,
		RegisterIP:  ip,
	})
	if err != nil {
		respondError(ctx, a.log, err)
		return
	}
	utils.RegistrationDailyIncrement(ip)

	a.issueToken(ctx, user)
}

// WalletLogin authenticates the owner of a registered wallet.
func (a *AuthController) WalletLogin(ctx *gin.Context) {
	var req walletProof
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}
	if !consumeWalletNonce(ctx, req.Message) {
		return
	}

	user, err := a.users.LoginWithWallet(ctx.Request.Context(), req.Address, req.Message, req.Signature)
	if err != nil {
		respondError(ctx, a.log, err)
		return
	}
	a.issueToken(ctx, user)
}

// LinkWallet attaches a signed wallet to the caller's account.
func (a *AuthController) LinkWallet(ctx *gin.Context) {
	var req walletProof
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40001, "invalid request payload")
		return
	}
	if !consumeWalletNonce(ctx, req.Message) {
		return
	}

	actor := middleware.Actor(ctx)
	user, err := a.users.LinkWallet(ctx.Request.Context(), actor, req.Address, req.Message, req.Signature)
	if err != nil {
		respondError(ctx, a.log, err)
		return
	}
	utils.Success(ctx, userResponseWithAdmin(user, actor.Admin))
}

// Me returns the caller's account.
func (a *AuthController) Me(ctx *gin.Context) {
	actor := middleware.Actor(ctx)
	user, err := a.users.Get(ctx.Request.Context(), actor.UserID)
	if err != nil {
		respondError(ctx, a.log, err)
		return
	}
	utils.Success(ctx, userResponseWithAdmin(user, actor.Admin))
}

// Logout invalidates the token by blacklisting it until expiration.
func (a *AuthController) Logout(ctx *gin.Context) {
	value, _ := ctx.Get(middleware.ContextClaimsKey)
	claims, ok := value.(*utils.Claims)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40105, "invalid token")
		return
	}

	expiresAt := time.Now().Add(tokenTTL)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	utils.RevokeToken(claims.ID, expiresAt)
	utils.Success(ctx, gin.H{"message": "logged out"})
}

// OAuthRedirect generates a provider-specific authorization URL.
func (a *AuthController) OAuthRedirect(ctx *gin.Context) {
	cfg, err := oauthConfig(ctx.Param("provider"))
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40004, err.Error())
		return
	}

	state := uuid.NewString()
	utils.SaveNonce(utils.NonceOAuthState, state, oauthStateTTL)
	utils.Success(ctx, gin.H{"authorization_url": cfg.AuthCodeURL(state), "state": state})
}

// OAuthCallback exchanges the authorization code for an identity and issues a JWT.
func (a *AuthController) OAuthCallback(ctx *gin.Context) {
	provider := strings.ToLower(ctx.Param("provider"))
	code := ctx.Query("code")
	state := ctx.Query("state")
	if code == "" || state == "" {
		utils.Error(ctx, http.StatusBadRequest, 40005, "missing code or state")
		return
	}
	if !utils.ConsumeNonce(utils.NonceOAuthState, state) {
		utils.Error(ctx, http.StatusBadRequest, 40006, "invalid or expired state")
		return
	}

	cfg, err := oauthConfig(provider)
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40004, err.Error())
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx.Request.Context(), oauthFetchLimit)
	defer cancel()

	token, err := cfg.Exchange(reqCtx, code)
	if err != nil {
		a.log.Infow("oauth code exchange failed", "provider", provider, "error", err)
		utils.Error(ctx, http.StatusBadRequest, 40007, "failed to exchange code")
		return
	}

	identity, err := fetchOAuthUser(reqCtx, provider, cfg.Client(reqCtx, token))
	if err != nil {
		a.log.Warnw("oauth user lookup failed", "provider", provider, "error", err)
		utils.Error(ctx, http.StatusBadGateway, 50202, "failed to load the provider profile")
		return
	}

	user, err := a.users.FindOrCreateOAuth(ctx.Request.Context(), provider, identity.ID, identity.Email, identity.Name)
	if err != nil {
		respondError(ctx, a.log, err)
		return
	}
	a.issueToken(ctx, user)
}

func (a *AuthController) issueToken(ctx *gin.Context, user *models.User) {
	// only a proven email reaches the token, and with it admin rights
	email := user.VerifiedEmail()
	token, err := utils.GenerateToken(user.ID, email, tokenTTL)
	if err != nil {
		a.log.Errorw("token generation failed", "user_id", user.ID, "error", err)
		utils.Error(ctx, http.StatusInternalServerError, 50003, "failed to generate token")
		return
	}
	admin := config.Get().IsAdminEmail(email)
	utils.Success(ctx, gin.H{"token": token, "user": userResponseWithAdmin(user, admin)})
}

// registrationAllowed applies the optional captcha and the per-IP daily cap.
func (a *AuthController) registrationAllowed(ctx *gin.Context, ip, captchaID, captchaAnswer string) bool {
	if config.Get().RegisterCaptchaEnabled && !utils.VerifyCaptcha(captchaID, captchaAnswer) {
		utils.Error(ctx, http.StatusBadRequest, 40003, "invalid or expired captcha")
		return false
	}
	if !utils.RegistrationDailyLimitCheck(ip) {
		a.log.Infow("registration daily limit reached", "ip", ip)
		utils.Error(ctx, http.StatusTooManyRequests, 42921, "daily registration limit reached for this address")
		return false
	}
	return true
}

func consumeWalletNonce(ctx *gin.Context, message string) bool {
	nonce, ok := wallet.NonceFromMessage(message)
	if !ok || !utils.ConsumeNonce(utils.NonceWallet, nonce) {
		utils.Error(ctx, http.StatusBadRequest, 40008, "sign-in message expired, request a new one")
		return false
	}
	return true
}

func oauthConfig(provider string) (*oauth2.Config, error) {
	cfg := config.Get()
	switch strings.ToLower(provider) {
	case "github":
		if cfg.GitHubClientID == "" || cfg.GitHubClientSecret == "" {
			return nil, fmt.Errorf("github oauth not configured")
		}
		return &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  fmt.Sprintf("%s/api/v1/auth/oauth/github/callback", cfg.OAuthRedirectBase),
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		}, nil
	case "google":
		if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
			return nil, fmt.Errorf("google oauth not configured")
		}
		return &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  fmt.Sprintf("%s/api/v1/auth/oauth/google/callback", cfg.OAuthRedirectBase),
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint:     google.Endpoint,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

type oauthIdentity struct {
	ID    string
	Name  string
	Email string
}

func fetchOAuthUser(ctx context.Context, provider string, client *http.Client) (*oauthIdentity, error) {
	switch provider {
	case "github":
		var payload struct {
			ID    int64  `json:"id"`
			Login string `json:"login"`
			Name  string `json:"name"`
		}
		if err := getJSON(ctx, client, "https://api.github.com/user", &payload); err != nil {
			return nil, err
		}
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		// accounts without a readable email are created without one
		_ = getJSON(ctx, client, "https://api.github.com/user/emails", &emails)
		email := ""
		for _, e := range emails {
			if e.Primary && e.Verified {
				email = e.Email
				break
			}
		}
		name := payload.Name
		if strings.TrimSpace(name) == "" {
			name = payload.Login
		}
		return &oauthIdentity{ID: strconv.FormatInt(payload.ID, 10), Name: name, Email: email}, nil

	case "google":
		var payload struct {
			ID            string `json:"id"`
			Email         string `json:"email"`
			VerifiedEmail bool   `json:"verified_email"`
			Name          string `json:"name"`
		}
		if err := getJSON(ctx, client, "https://www.googleapis.com/oauth2/v2/userinfo", &payload); err != nil {
			return nil, err
		}
		identity := &oauthIdentity{ID: payload.ID, Name: payload.Name}
		if payload.VerifiedEmail {
			identity.Email = payload.Email
		}
		return identity, nil
	}
	return nil, fmt.Errorf("unsupported provider: %s", provider)
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

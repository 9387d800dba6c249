package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/surveyreward/config"
	"github.com/cppla/surveyreward/controllers"
	"github.com/cppla/surveyreward/middleware"
	"github.com/cppla/surveyreward/services"
	"github.com/cppla/surveyreward/utils"
	"github.com/cppla/surveyreward/wallet"
)

// Deps carries what the HTTP layer needs from the rest of the application.
type Deps struct {
	DB      *gorm.DB
	Users   *services.UserService
	Surveys *services.SurveyService
	Rewards *services.RewardService
	Faucet  controllers.FaucetOperator
	Mail    controllers.MailSender
	Log     *zap.SugaredLogger
}

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(d Deps) *gin.Engine {
	cfg := config.Get()
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	registerValidators()

	r := gin.New()
	// access log goes to its own rolling file
	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		d.Log.Warnw("access log disabled", "error", err)
		r.Use(utils.RecoveryWithZap(d.Log.Desugar(), true))
	}

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	authController := controllers.NewAuthController(d.Users, d.Mail, d.Log)
	surveyController := controllers.NewSurveyController(d.Surveys, d.Log)
	rewardController := controllers.NewRewardController(d.Rewards, d.Users, d.Faucet, d.Log)
	adminController := controllers.NewAdminController(d.Users, d.Surveys, d.Faucet, d.Log)
	statsController := controllers.NewStatsController(d.DB)

	api := r.Group("/api/v1")
	api.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})
	api.GET("/stats", statsController.GetStats)

	authGroup := api.Group("/auth")
	authGroup.Use(middleware.RateLimit(cfg.RateLimitPerMinute))
	authGroup.POST("/register", authController.Register)
	authGroup.POST("/login", authController.Login)
	authGroup.GET("/captcha", authController.Captcha)
	authGroup.POST("/email/code", authController.SendEmailCode)
	authGroup.POST("/email/verify", middleware.AuthRequired(), authController.VerifyEmail)
	authGroup.GET("/wallet/message", authController.WalletMessage)
	authGroup.POST("/wallet/register", authController.WalletRegister)
	authGroup.POST("/wallet/login", authController.WalletLogin)
	authGroup.GET("/oauth/:provider/login", authController.OAuthRedirect)
	authGroup.GET("/oauth/:provider/callback", authController.OAuthCallback)
	authGroup.POST("/logout", middleware.AuthRequired(), authController.Logout)
	authGroup.GET("/me", middleware.AuthRequired(), authController.Me)

	protected := api.Group("")
	protected.Use(middleware.AuthRequired(), middleware.RateLimit(cfg.RateLimitPerMinute))
	protected.POST("/users/me/wallet", authController.LinkWallet)

	protected.GET("/surveys", surveyController.ListActive)
	protected.POST("/surveys", surveyController.Create)
	protected.GET("/surveys/mine", surveyController.ListMine)
	protected.GET("/surveys/:id", surveyController.Get)
	protected.POST("/surveys/:id/votes", surveyController.Vote)
	protected.GET("/surveys/:id/results", surveyController.Results)
	protected.POST("/surveys/:id/end", surveyController.End)

	protected.GET("/rewards", rewardController.Overview)
	protected.POST("/rewards/convert", rewardController.Convert)
	protected.GET("/rewards/history", rewardController.History)
	protected.GET("/wallet/balance", rewardController.WalletBalance)

	admin := protected.Group("/admin")
	admin.Use(middleware.AdminRequired())
	admin.GET("/users", adminController.ListUsers)
	admin.DELETE("/users/:id", adminController.DeleteUser)
	admin.POST("/surveys/:id/reconcile", adminController.ReconcileSurvey)
	admin.GET("/faucet/balance/:address", adminController.FaucetBalance)
	admin.POST("/faucet/set-balance", adminController.FaucetSetBalance)
	admin.POST("/faucet/fund", adminController.FaucetFund)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "api route not found")
	})

	return r
}

// registerValidators adds the "wallet" binding tag for hex account addresses.
func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("wallet", func(fl validator.FieldLevel) bool {
		_, err := wallet.NormalizeAddress(fl.Field().String())
		return err == nil
	})
}

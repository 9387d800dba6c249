package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cppla/surveyreward/config"
	"github.com/cppla/surveyreward/services"
	"github.com/cppla/surveyreward/utils"
)

const (
	// ContextUserIDKey is the key used to store authenticated user ID in Gin context.
	ContextUserIDKey = "user_id"
	// ContextEmailKey stores the token's email, empty unless the account verified one.
	ContextEmailKey = "email"
	// ContextClaimsKey stores the parsed claims.
	ContextClaimsKey = "claims"
)

// AuthRequired ensures the request is authenticated via JWT.
func AuthRequired() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		if authHeader == "" {
			utils.Abort(ctx, http.StatusUnauthorized, 40101, "authorization header missing")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			utils.Abort(ctx, http.StatusUnauthorized, 40102, "invalid authorization header format")
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			utils.Abort(ctx, http.StatusUnauthorized, 40103, "empty bearer token")
			return
		}

		claims, err := utils.ParseToken(tokenString)
		if err != nil || claims.UserID == 0 {
			utils.Abort(ctx, http.StatusUnauthorized, 40105, "invalid token")
			return
		}

		if utils.IsTokenRevoked(claims.ID) {
			utils.Abort(ctx, http.StatusUnauthorized, 40104, "token revoked")
			return
		}

		ctx.Set(ContextUserIDKey, claims.UserID)
		ctx.Set(ContextEmailKey, claims.Email)
		ctx.Set(ContextClaimsKey, claims)
		ctx.Next()
	}
}

// Actor returns the caller of the current request. It is anonymous when
// AuthRequired did not run.
func Actor(ctx *gin.Context) services.Actor {
	id := ctx.GetUint(ContextUserIDKey)
	if id == 0 {
		return services.Actor{}
	}
	email := ctx.GetString(ContextEmailKey)
	return services.Actor{
		UserID: id,
		Email:  email,
		Admin:  config.Get().IsAdminEmail(email),
	}
}

// AdminRequired rejects callers whose email is not listed in AdminEmails.
// It must run after AuthRequired.
func AdminRequired() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !Actor(ctx).Admin {
			utils.Abort(ctx, http.StatusForbidden, 40301, "admin privileges required")
			return
		}
		ctx.Next()
	}
}

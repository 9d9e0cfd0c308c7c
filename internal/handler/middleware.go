package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dvizhhse/auth_service/internal/auth"
	"github.com/dvizhhse/auth_service/internal/common"
	"github.com/dvizhhse/auth_service/internal/models"
	"github.com/gin-gonic/gin"
)

const ctxAccount = "account"

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Claims, error)
}

// SessionMiddleware admits requests carrying a valid session cookie and
// stores the caller's account in the context.
func (h *Handler) SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "handler.SessionMiddleware"

		log := h.log.With(slog.String("op", op))

		token, ok := h.sessionCookie.Read(c.Request)
		if !ok {
			newErrorResponse(c, http.StatusUnauthorized, "not authenticated")

			return
		}

		claims, err := h.sessions.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, common.ErrUnauthorized) {
				newErrorResponse(c, http.StatusUnauthorized, "not authenticated")

				return
			}
			log.Error("failed to check session", slog.Any("error", err))

			newErrorResponse(c, http.StatusInternalServerError, "internal server error")

			return
		}

		account, err := h.serviceLayer.GetAccount(c.Request.Context(), claims.AccountID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				newErrorResponse(c, http.StatusUnauthorized, "not authenticated")

				return
			}
			log.Error("failed to load account", slog.Any("error", err))

			newErrorResponse(c, http.StatusInternalServerError, "internal server error")

			return
		}

		c.Set(ctxAccount, account)

		c.Next()
	}
}

// AdminMiddleware must run after SessionMiddleware.
func (h *Handler) AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := currentAccount(c)
		if !ok {
			newErrorResponse(c, http.StatusUnauthorized, "not authenticated")

			return
		}
		if account.Role != models.RoleAdmin {
			newErrorResponse(c, http.StatusForbidden, "admin role required")

			return
		}

		c.Next()
	}
}

func currentAccount(c *gin.Context) (models.Account, bool) {
	value, ok := c.Get(ctxAccount)
	if !ok {
		return models.Account{}, false
	}
	account, ok := value.(models.Account)
	return account, ok
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		)
	}
}

package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dvizhhse/auth_service/internal/oauth"
	"github.com/gin-gonic/gin"
)

type oauthErrorResponse struct {
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// GET /oauth/authorize/:provider
func (h *Handler) OAuthAuthorize(c *gin.Context) {
	const op = "handler.OAuthAuthorize"

	log := h.log.With(slog.String("op", op))

	authURL, state, err := h.flows.Start(c.Param("provider"))
	if err != nil {
		fail(c, log, err)

		return
	}

	h.stateCookie.Write(c.Writer, state)

	c.Redirect(http.StatusFound, authURL)
}

// GET /oauth/callback
func (h *Handler) OAuthCallback(c *gin.Context) {
	const op = "handler.OAuthCallback"

	log := h.log.With(slog.String("op", op))

	// The state cookie is single-use whatever the outcome.
	cookieState := h.stateCookie.Read(c.Request)
	h.stateCookie.Clear(c.Writer)

	if providerErr := c.Query("error"); providerErr != "" {
		log.Info("provider returned error", slog.String("error", providerErr), slog.String("description", c.Query("error_description")))

		newErrorResponse(c, http.StatusBadRequest, "provider error: "+providerErr)

		return
	}

	result, err := h.flows.Callback(c.Request.Context(), c.Query("code"), c.Query("state"), cookieState)
	if err != nil {
		var exErr *oauth.ExchangeError
		if errors.As(err, &exErr) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, oauthErrorResponse{
				Message:       exErr.Error(),
				CorrelationID: exErr.CorrelationID,
			})

			return
		}
		fail(c, log, err)

		return
	}

	h.sessionCookie.Write(c.Writer, result.Session, h.now())

	c.Redirect(http.StatusFound, h.homeURL)
}

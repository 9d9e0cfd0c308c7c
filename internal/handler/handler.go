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
	"github.com/dvizhhse/auth_service/internal/oauth"
	"github.com/dvizhhse/auth_service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
)

type OAuthFlows interface {
	Start(providerID string) (string, string, error)
	Callback(ctx context.Context, code, state, cookieState string) (oauth.Result, error)
}

type Options struct {
	SessionCookie auth.Cookie
	StateCookie   oauth.StateCookie
	HomeURL       string
}

type Handler struct {
	serviceLayer  service.Service
	sessions      Authenticator
	flows         OAuthFlows
	sessionCookie auth.Cookie
	stateCookie   oauth.StateCookie
	homeURL       string
	log           *slog.Logger
	now           func() time.Time
}

type errorResponse struct {
	Message string `json:"message"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func newErrorResponse(c *gin.Context, statusCode int, errMessage string) {
	c.AbortWithStatusJSON(statusCode, errorResponse{Message: errMessage})
}

func NewHandler(srvc service.Service, sessions Authenticator, flows OAuthFlows, opts Options, lgr *slog.Logger) *Handler {
	home := opts.HomeURL
	if home == "" {
		home = "/"
	}
	return &Handler{
		serviceLayer:  srvc,
		sessions:      sessions,
		flows:         flows,
		sessionCookie: opts.SessionCookie,
		stateCookie:   opts.StateCookie,
		homeURL:       home,
		log:           lgr,
		now:           time.Now,
	}
}

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.log))

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
		authGroup.POST("/logout", h.Logout)
		authGroup.POST("/password/reset-request", h.RequestPasswordReset)
		authGroup.POST("/password/reset", h.ResetPassword)
		authGroup.POST("/email/verify", h.VerifyEmail)

		session := authGroup.Group("")
		session.Use(h.SessionMiddleware())
		{
			session.POST("/email/resend", h.ResendVerificationEmail)
			session.POST("/password/change", h.ChangePassword)
			session.GET("/profile", h.GetProfile)
			session.PATCH("/profile", h.UpdateProfile)
		}
	}

	admin := router.Group("/admin")
	admin.Use(h.SessionMiddleware(), h.AdminMiddleware())
	{
		admin.GET("/accounts", h.ListAccounts)
		admin.POST("/roles/assign", h.AssignRole)
	}

	oauthGroup := router.Group("/oauth")
	{
		oauthGroup.GET("/authorize/:provider", h.OAuthAuthorize)
		oauthGroup.GET("/callback", h.OAuthCallback)
	}

	return router
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInternal):
		return http.StatusInternalServerError
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrBadRequest), errors.Is(err, common.ErrTokenExpired):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// fail writes the response for a service error. Internal errors are logged
// with their detail and answered generically.
func fail(c *gin.Context, log *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", slog.Any("error", err))

		newErrorResponse(c, status, "internal server error")

		return
	}

	log.Debug("request rejected", slog.Int("status", status), slog.Any("error", err))

	newErrorResponse(c, status, common.Message(err, http.StatusText(status)))
}

func bindJSON(c *gin.Context, log *slog.Logger, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		log.Debug("failed to read request body", slog.Any("error", err))

		newErrorResponse(c, http.StatusBadRequest, "invalid request body")

		return false
	}
	return true
}

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type registerResponse struct {
	Success   bool      `json:"success"`
	AccountID uuid.UUID `json:"accountId"`
}

// POST /auth/register
func (h *Handler) Register(c *gin.Context) {
	const op = "handler.Register"

	log := h.log.With(slog.String("op", op))

	var req registerRequest
	if !bindJSON(c, log, &req) {
		return
	}

	account, session, err := h.serviceLayer.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		fail(c, log, err)

		return
	}

	h.sessionCookie.Write(c.Writer, session, h.now())

	c.JSON(http.StatusCreated, registerResponse{Success: true, AccountID: account.ID})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type accountSummary struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

type loginResponse struct {
	Success bool           `json:"success"`
	Account accountSummary `json:"account"`
}

// POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	const op = "handler.Login"

	log := h.log.With(slog.String("op", op))

	var req loginRequest
	if !bindJSON(c, log, &req) {
		return
	}

	account, session, err := h.serviceLayer.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, log, err)

		return
	}

	h.sessionCookie.Write(c.Writer, session, h.now())

	c.JSON(http.StatusOK, loginResponse{
		Success: true,
		Account: accountSummary{ID: account.ID, Name: account.DisplayName, Email: account.Email},
	})
}

// POST /auth/logout
func (h *Handler) Logout(c *gin.Context) {
	const op = "handler.Logout"

	log := h.log.With(slog.String("op", op))

	if token, ok := h.sessionCookie.Read(c.Request); ok {
		if err := h.serviceLayer.Logout(c.Request.Context(), token); err != nil {
			log.Error("failed to revoke session", slog.Any("error", err))
		}
	}

	h.sessionCookie.Clear(c.Writer)

	c.JSON(http.StatusOK, successResponse{Success: true})
}

type resetRequestRequest struct {
	Email string `json:"email" binding:"required"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// POST /auth/password/reset-request
func (h *Handler) RequestPasswordReset(c *gin.Context) {
	const op = "handler.RequestPasswordReset"

	log := h.log.With(slog.String("op", op))

	var req resetRequestRequest
	if !bindJSON(c, log, &req) {
		return
	}

	message, err := h.serviceLayer.RequestPasswordReset(c.Request.Context(), req.Email)
	if err != nil {
		fail(c, log, err)

		return
	}

	c.JSON(http.StatusOK, messageResponse{Success: true, Message: message})
}

type resetPasswordRequest struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

// POST /auth/password/reset
func (h *Handler) ResetPassword(c *gin.Context) {
	const op = "handler.ResetPassword"

	log := h.log.With(slog.String("op", op))

	var req resetPasswordRequest
	if !bindJSON(c, log, &req) {
		return
	}

	if err := h.serviceLayer.ResetPassword(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		fail(c, log, err)

		return
	}

	c.JSON(http.StatusOK, successResponse{Success: true})
}

type verifyEmailRequest struct {
	Token string `json:"token" binding:"required"`
}

// POST /auth/email/verify
func (h *Handler) VerifyEmail(c *gin.Context) {
	const op = "handler.VerifyEmail"

	log := h.log.With(slog.String("op", op))

	var req verifyEmailRequest
	if !bindJSON(c, log, &req) {
		return
	}

	if err := h.serviceLayer.VerifyEmail(c.Request.Context(), req.Token); err != nil {
		fail(c, log, err)

		return
	}

	c.JSON(http.StatusOK, successResponse{Success: true})
}

// POST /auth/email/resend
func (h *Handler) ResendVerificationEmail(c *gin.Context) {
	const op = "handler.ResendVerificationEmail"

	log := h.log.With(slog.String("op", op))

	account, _ := currentAccount(c)
	if err := h.serviceLayer.ResendVerificationEmail(c.Request.Context(), account.ID); err != nil {
		fail(c, log, err)

		return
	}

	c.JSON(http.StatusOK, successResponse{Success: true})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

// POST /auth/password/change
func (h *Handler) ChangePassword(c *gin.Context) {
	const op = "handler.ChangePassword"

	log := h.log.With(slog.String("op", op))

	var req changePasswordRequest
	if !bindJSON(c, log, &req) {
		return
	}

	account, _ := currentAccount(c)
	if err := h.serviceLayer.ChangePassword(c.Request.Context(), account.ID, req.CurrentPassword, req.NewPassword); err != nil {
		fail(c, log, err)

		return
	}

	c.JSON(http.StatusOK, successResponse{Success: true})
}

// GET /auth/profile
func (h *Handler) GetProfile(c *gin.Context) {
	account, _ := currentAccount(c)

	c.JSON(http.StatusOK, account)
}

type updateProfileRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email" binding:"omitempty,email"`
}

// PATCH /auth/profile
func (h *Handler) UpdateProfile(c *gin.Context) {
	const op = "handler.UpdateProfile"

	log := h.log.With(slog.String("op", op))

	var req updateProfileRequest
	if !bindJSON(c, log, &req) {
		return
	}

	account, _ := currentAccount(c)
	updated, err := h.serviceLayer.UpdateProfile(c.Request.Context(), account.ID, req.Name, req.Email)
	if err != nil {
		fail(c, log, err)

		return
	}

	c.JSON(http.StatusOK, updated)
}

type accountsResponse struct {
	Accounts []models.Account `json:"accounts"`
}

// GET /admin/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	const op = "handler.ListAccounts"

	log := h.log.With(slog.String("op", op))

	accounts, err := h.serviceLayer.ListAccounts(c.Request.Context())
	if err != nil {
		fail(c, log, err)

		return
	}

	c.JSON(http.StatusOK, accountsResponse{Accounts: accounts})
}

type assignRoleRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Role      string `json:"role" binding:"required"`
}

// POST /admin/roles/assign
func (h *Handler) AssignRole(c *gin.Context) {
	const op = "handler.AssignRole"

	log := h.log.With(slog.String("op", op))

	var req assignRoleRequest
	if !bindJSON(c, log, &req) {
		return
	}

	id, err := uuid.FromString(req.AccountID)
	if err != nil {
		log.Debug("invalid account id", slog.String("account_id", req.AccountID))

		newErrorResponse(c, http.StatusBadRequest, "invalid account id")

		return
	}

	if err := h.serviceLayer.AssignRole(c.Request.Context(), id, models.Role(req.Role)); err != nil {
		fail(c, log, err)

		return
	}

	c.JSON(http.StatusOK, successResponse{Success: true})
}

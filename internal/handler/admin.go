package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/szsip239/rtmux/internal/middleware"
	"github.com/szsip239/rtmux/internal/model"
	"github.com/szsip239/rtmux/internal/pkg/response"
	"gorm.io/gorm"
)

// AdminHandler handles the admin API's own login, the one unauthenticated
// route it exposes. Admin accounts are seeded (see cmd/rtmuxd), not
// self-registered.
type AdminHandler struct {
	db  *gorm.DB
	jwt *middleware.JWTService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(db *gorm.DB, jwt *middleware.JWTService) *AdminHandler {
	return &AdminHandler{db: db, jwt: jwt}
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

type TokenResponse struct {
	AccessToken string                 `json:"accessToken"`
	User        AdminUserLoginResponse `json:"user"`
}

type AdminUserLoginResponse struct {
	ID    string          `json:"id"`
	Email string          `json:"email"`
	Role  model.AdminRole `json:"role"`
}

// Login handles POST /api/v1/admin/login
func (h *AdminHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	var user model.AdminUser
	if err := h.db.Where("email = ?", req.Email).First(&user).Error; err != nil {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	if !CheckPassword(req.Password, user.PasswordHash) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	accessToken, err := h.jwt.SignAccessToken(user.ID, string(user.Role))
	if err != nil {
		response.InternalError(c, "failed to generate access token")
		return
	}

	c.SetCookie("access_token", accessToken, int(15*time.Minute/time.Second), "/", "", false, true)

	response.OK(c, TokenResponse{
		AccessToken: accessToken,
		User: AdminUserLoginResponse{
			ID:    user.ID,
			Email: user.Email,
			Role:  user.Role,
		},
	})
}

// Logout handles POST /api/v1/admin/logout
func (h *AdminHandler) Logout(c *gin.Context) {
	c.SetCookie("access_token", "", -1, "/", "", false, true)
	response.OK(c, nil)
}

// GetMe handles GET /api/v1/admin/me
func (h *AdminHandler) GetMe(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var user model.AdminUser
	if err := h.db.First(&user, "id = ?", userID).Error; err != nil {
		response.NotFound(c, "user not found")
		return
	}

	response.OK(c, AdminUserLoginResponse{
		ID:    user.ID,
		Email: user.Email,
		Role:  user.Role,
	})
}

// SeedAdmin creates the initial ADMIN account when no admin users exist yet.
// It is a no-op on every subsequent start, so the seed credentials can stay
// in the environment without clobbering password changes made via the API.
func SeedAdmin(db *gorm.DB, email, password string) error {
	var count int64
	if err := db.Model(&model.AdminUser{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return db.Create(&model.AdminUser{
		BaseModel:    newBaseModel(),
		Email:        email,
		PasswordHash: hash,
		Role:         model.AdminRoleAdmin,
	}).Error
}

// RegisterRoutes registers all admin account routes on the given router group.
func (h *AdminHandler) RegisterRoutes(public, protected *gin.RouterGroup) {
	public.POST("/admin/login", h.Login)

	adminProtected := protected.Group("/admin")
	{
		adminProtected.POST("/logout", h.Logout)
		adminProtected.GET("/me", h.GetMe)
	}
}

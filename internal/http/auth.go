package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"coursegrab/internal/domain"
	"coursegrab/internal/service"
)

// AuthConfig controls API authentication. An empty Secret disables it,
// which is only sensible for single-user localhost deployments.
type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

type tokenClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type registerRequest struct {
	Username             string `json:"username" binding:"required"`
	Password             string `json:"password" binding:"required"`
	RegistrationPassword string `json:"registration_password"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	if h.users == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user service not configured"})
		return
	}

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Register(c.Request.Context(), req.Username, req.Password, req.RegistrationPassword)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrInvalidRegistrationPassword):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}

func (h *Handler) login(c *gin.Context) {
	if h.users == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user service not configured"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if h.auth.Secret == "" {
		c.JSON(http.StatusOK, gin.H{"token": "", "note": "authentication is disabled"})
		return
	}

	ttl := h.auth.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := tokenClaims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.auth.Secret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"expires_at": now.Add(ttl).UTC().Format(time.RFC3339),
	})
}

// authRequired guards the API with a bearer token. WebSocket clients may
// pass the token as a query parameter since browsers cannot set headers on
// the upgrade request.
func (h *Handler) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.auth.Secret == "" {
			c.Next()
			return
		}

		raw := ""
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			raw = strings.TrimPrefix(header, "Bearer ")
		}
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &tokenClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(h.auth.Secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set("username", claims.Username)
		if id, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil {
			c.Set("user_id", id)
		}
		c.Next()
	}
}

type prefsRequest struct {
	DefaultDestination string `json:"default_destination"`
	SubtitleLang       string `json:"subtitle_lang"`
	PreferredMode      string `json:"preferred_mode"`
}

type userResponse struct {
	ID                 int64  `json:"id"`
	Username           string `json:"username"`
	DefaultDestination string `json:"default_destination"`
	SubtitleLang       string `json:"subtitle_lang"`
	PreferredMode      string `json:"preferred_mode"`
}

func userToResponse(user *domain.User) userResponse {
	return userResponse{
		ID:                 user.ID,
		Username:           user.Username,
		DefaultDestination: user.Prefs.DefaultDestination,
		SubtitleLang:       user.Prefs.SubtitleLang,
		PreferredMode:      string(user.Prefs.PreferredMode),
	}
}

func (h *Handler) currentUser(c *gin.Context) {
	user, ok := h.requestUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no authenticated user"})
		return
	}
	c.JSON(http.StatusOK, userToResponse(user))
}

func (h *Handler) updatePrefs(c *gin.Context) {
	id, ok := c.Get("user_id")
	if !ok || h.users == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no authenticated user"})
		return
	}

	var req prefsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.UpdatePrefs(c.Request.Context(), id.(int64), domain.DownloadPrefs{
		DefaultDestination: req.DefaultDestination,
		SubtitleLang:       req.SubtitleLang,
		PreferredMode:      domain.RunMode(req.PreferredMode),
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, userToResponse(user))
}

// requestUser resolves the account behind the validated token, if any.
func (h *Handler) requestUser(c *gin.Context) (*domain.User, bool) {
	if h.users == nil {
		return nil, false
	}
	id, ok := c.Get("user_id")
	if !ok {
		return nil, false
	}
	user, err := h.users.GetByID(c.Request.Context(), id.(int64))
	if err != nil || user == nil {
		return nil, false
	}
	return user, true
}

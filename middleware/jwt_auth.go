package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"crypto_portfolio_tracker/models"
)

const (
	ContextUserID = "user_id"
	ContextUser   = "user"
	ContextClaims = "claims"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInactiveUser  = errors.New("user is disabled")
	ErrEmailConflict = errors.New("email is registered to another account")
)

// Claims are the claims of tokens minted by the auth service.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Auth validates HS256 bearer tokens and maps their subject to a local user.
type Auth struct {
	db     *gorm.DB
	secret []byte
}

func NewAuth(db *gorm.DB, secret string) *Auth {
	return &Auth{db: db, secret: []byte(secret)}
}

// ParseToken validates the signature and expiry of a token.
func (a *Auth) ParseToken(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("JWT_SECRET not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// ResolveUser loads the user for the token subject, creating it on first sight.
func (a *Auth) ResolveUser(ctx context.Context, claims *Claims) (*models.User, error) {
	email := claims.Email
	if email == "" {
		email = claims.Subject + "@users.invalid"
	}
	var user models.User
	err := a.db.WithContext(ctx).
		Where(models.User{ExternalID: claims.Subject}).
		Attrs(models.User{Email: email, DisplayName: claims.Name, IsActive: true}).
		FirstOrCreate(&user).Error
	if err != nil {
		var taken int64
		a.db.WithContext(ctx).Model(&models.User{}).
			Where("email = ? AND external_id <> ?", email, claims.Subject).
			Count(&taken)
		if taken > 0 {
			return nil, ErrEmailConflict
		}
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrInactiveUser
	}
	return &user, nil
}

// UserID resolves a raw token to a user id. It is used by the websocket hub.
func (a *Auth) UserID(tokenString string) (uint, error) {
	claims, err := a.ParseToken(tokenString)
	if err != nil {
		return 0, err
	}
	user, err := a.ResolveUser(context.Background(), claims)
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

// JWTAuthMiddleware requires a valid bearer token and stores the user in the context.
func (a *Auth) JWTAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := a.ParseToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("invalid token: %v", err)})
			return
		}

		user, err := a.ResolveUser(c.Request.Context(), claims)
		if errors.Is(err, ErrInactiveUser) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, ErrEmailConflict) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			zap.L().Error("Failed to resolve token user", zap.String("subject", claims.Subject), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve user"})
			return
		}

		c.Set(ContextUserID, user.ID)
		c.Set(ContextUser, user)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || strings.TrimSpace(token) == "" {
		return "", errors.New("invalid authorization header format, use: Bearer <token>")
	}
	return strings.TrimSpace(token), nil
}

// GetUserID returns the authenticated user id.
func GetUserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}

// GetUser returns the authenticated user.
func GetUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(ContextUser)
	if !ok {
		return nil, false
	}
	u, ok := v.(*models.User)
	return u, ok
}

// IssueToken signs a token for subject. Used by dev tooling and tests.
func IssueToken(secret, subject, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

package util

import (
	"errors"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/pkg/config"
)

type (
	JWTClaims struct {
		UserID   uint   `json:"ui"`
		Username string `json:"un"`
		jwt.RegisteredClaims
	}
	JWTMessage struct {
		UserID   uint   `json:"userID"`   // User ID
		Username string `json:"username"` // Username
	}
)

type TokenManager struct {
	secretKey      string
	accessTokenTTL int
	now            func() time.Time
}

var (
	once     sync.Once
	tokenMgr *TokenManager
)

func GetTokenMgr() *TokenManager {
	once.Do(func() {
		auth := config.GetConfig().Auth
		tokenMgr = NewTokenManager(auth.AccessTokenSecret, auth.AccessTokenExpiryHour)
	})
	return tokenMgr
}

func NewTokenManager(secretKey string, accessTokenTTL int) *TokenManager {
	return &TokenManager{
		secretKey:      secretKey,
		accessTokenTTL: accessTokenTTL,
		now:            time.Now,
	}
}

// CreateToken signs an HS256 access token for msg.
func (tm *TokenManager) CreateToken(msg *JWTMessage) (string, error) {
	if tm.secretKey == "" {
		return "", errors.New("access token secret is not configured")
	}
	now := tm.now()
	claims := &JWTClaims{
		UserID:   msg.UserID,
		Username: msg.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour * time.Duration(tm.accessTokenTTL))),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(tm.secretKey))
	if err != nil {
		klog.Error(err)
		return "", err
	}
	return token, nil
}

func (tm *TokenManager) CheckToken(requestToken string) (JWTMessage, error) {
	if tm.secretKey == "" {
		return JWTMessage{}, errors.New("access token secret is not configured")
	}
	claims := JWTClaims{}
	_, err := jwt.ParseWithClaims(requestToken, &claims, func(_ *jwt.Token) (any, error) {
		return []byte(tm.secretKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(tm.now))
	if err != nil {
		return JWTMessage{}, err
	}
	if claims.UserID == 0 {
		return JWTMessage{}, errors.New("token carries no user")
	}
	return JWTMessage{
		UserID:   claims.UserID,
		Username: claims.Username,
	}, nil
}

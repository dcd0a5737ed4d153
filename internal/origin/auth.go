package origin

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mezcal-hub/mezcal/internal/apperrors"
)

// AuthType 决定访问源仓库时使用的认证方式。
type AuthType string

const (
	AuthNone      AuthType = "none"
	AuthBasic     AuthType = "basic"
	AuthJWTToken  AuthType = "jwt_token"
	AuthJWTSecret AuthType = "jwt_secret"
)

// DefaultTokenTTL 是 jwt_secret 模式下签发令牌的有效期。
const DefaultTokenTTL = 5 * time.Minute

// ParseAuthType 解析配置值（大小写不敏感），空字符串视为 none。
func ParseAuthType(value string) (AuthType, error) {
	normalized := AuthType(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case "":
		return AuthNone, nil
	case AuthNone, AuthBasic, AuthJWTToken, AuthJWTSecret:
		return normalized, nil
	default:
		return "", apperrors.Config("'%s' is not a recognized repository auth type", strings.ToUpper(value))
	}
}

// Authenticator 为回源请求附加凭证。
type Authenticator interface {
	Apply(req *http.Request) error
}

type basicEnv struct {
	Username string `env:"REPO_USERNAME,notEmpty"`
	Password string `env:"REPO_PASSWORD,notEmpty"`
}

type tokenEnv struct {
	Token string `env:"JWT_TOKEN,notEmpty"`
}

type secretEnv struct {
	Secret string `env:"JWT_SECRET,notEmpty"`
}

// NewAuthenticator 从环境变量加载 authType 所需的凭证。none 返回 nil；
// 变量缺失或为空时返回配置错误，错误信息中包含变量名。
func NewAuthenticator(authType AuthType) (Authenticator, error) {
	switch authType {
	case AuthNone, "":
		return nil, nil
	case AuthBasic:
		var raw basicEnv
		if err := env.Parse(&raw); err != nil {
			return nil, apperrors.Config("load %s credentials: %v", authType, err)
		}
		return &BasicAuth{Username: raw.Username, Password: raw.Password}, nil
	case AuthJWTToken:
		var raw tokenEnv
		if err := env.Parse(&raw); err != nil {
			return nil, apperrors.Config("load %s credentials: %v", authType, err)
		}
		return &BearerAuth{Token: raw.Token}, nil
	case AuthJWTSecret:
		var raw secretEnv
		if err := env.Parse(&raw); err != nil {
			return nil, apperrors.Config("load %s credentials: %v", authType, err)
		}
		return NewJWTSecretAuth(raw.Secret), nil
	default:
		return nil, apperrors.Config("'%s' is not a recognized repository auth type", strings.ToUpper(string(authType)))
	}
}

// BasicAuth 使用 HTTP Basic 认证。
type BasicAuth struct {
	Username string
	Password string
}

func (a *BasicAuth) Apply(req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// BearerAuth 携带预先签发的令牌。
type BearerAuth struct {
	Token string
}

func (a *BearerAuth) Apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// RepositoryClaims 是 jwt_secret 模式签发令牌的声明集合。
type RepositoryClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// JWTSecretAuth 每次请求都用共享密钥签发一个短期 HS256 令牌。
type JWTSecretAuth struct {
	secret  []byte
	subject string
	issuer  string
	role    string
	ttl     time.Duration
	now     func() time.Time
}

// NewJWTSecretAuth 返回以 sub=mezcal、iss=fcrepo、role=fedoraAdmin 签名的认证器。
func NewJWTSecretAuth(secret string) *JWTSecretAuth {
	return &JWTSecretAuth{
		secret:  []byte(secret),
		subject: "mezcal",
		issuer:  "fcrepo",
		role:    "fedoraAdmin",
		ttl:     DefaultTokenTTL,
		now:     time.Now,
	}
}

// Claims 返回下一次签名将使用的声明。
func (a *JWTSecretAuth) Claims() RepositoryClaims {
	issued := a.now()
	return RepositoryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(a.ttl)),
		},
		Role: a.role,
	}
}

// Token 签发一个新令牌。
func (a *JWTSecretAuth) Token() (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, a.Claims())
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign repository token: %w", err)
	}
	return signed, nil
}

func (a *JWTSecretAuth) Apply(req *http.Request) error {
	token, err := a.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

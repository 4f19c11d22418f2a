package echoapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/officer"
)

const (
	// TokenCookie carries the JWT for browser clients; the Authorization header takes precedence.
	TokenCookie = "kanisa_token"

	contextTokenKey   = "officerToken"
	contextOfficerKey = "officer"
	tokenAudience     = "Kanisa"
)

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64  `json:"oriat,omitempty"`
	Username     string `json:"username,omitempty"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	IsAdmin      bool   `json:"is_admin,omitempty"`
}

func newJWTConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

func GetOfficerClaims(conf *core.Config, o officer.Officer, origIat ...int64) *Claims {
	now := time.Now()
	nownix := now.Unix()

	var oriat int64
	if len(origIat) > 0 {
		oriat = origIat[0]
	} else {
		oriat = nownix
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   o.ID,
			Audience:  tokenAudience,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		Username:     o.Username,
		Email:        o.Email,
		Role:         o.Role,
		IsAdmin:      o.IsAdmin,
	}
}

// GenerateToken generates a signed JWT token string representing the officer Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	jwtConf := newJWTConfig(conf)
	method := jwt.GetSigningMethod(jwtConf.SigningMethod)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString(jwtConf.SigningKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// tokenCookieMiddleware copies the token cookie into the Authorization header when the header is absent,
// so the JWT middleware serves both browsers and API clients.
func tokenCookieMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		req := ctx.Request()
		if req.Header.Get(echo.HeaderAuthorization) == "" {
			if cookie, err := req.Cookie(TokenCookie); err == nil && cookie.Value != "" {
				req.Header.Set(echo.HeaderAuthorization, middleware.DefaultJWTConfig.AuthScheme+" "+cookie.Value)
			}
		}
		return next(ctx)
	}
}

func setTokenCookie(ctx echo.Context, conf *core.Config, token string) {
	ctx.SetCookie(&http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(conf.Server.JWTExpirationDelta),
		HttpOnly: true,
		Secure:   strings.HasPrefix(conf.Server.FrontendBaseURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
}

func authenticate(ctx context.Context, conf *core.Config, uname, pwd string, svc officer.Service) (officer.Officer, *Claims, error) {
	o, err := svc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		if errors.Cause(err) == officer.ErrNotFound {
			return officer.Officer{}, nil, errAuthenticationFailed
		}
		return officer.Officer{}, nil, errors.Wrap(err, "finding officer by username or email")
	}
	if err = o.CheckPassword(pwd); err != nil {
		return officer.Officer{}, nil, errAuthenticationFailed
	}
	if !o.Active() {
		return officer.Officer{}, nil, errAccountDeactivated
	}
	o, err = svc.SetLastLogin(ctx, o)
	if err != nil {
		return officer.Officer{}, nil, errors.Wrap(err, "setting lastLogin")
	}
	return o, GetOfficerClaims(conf, o), nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// getContextOfficer loads (once per request) the officer the token was issued to.
// Deactivated or deleted officers are treated as unauthenticated.
func getContextOfficer(ctx echo.Context, svc officer.Service) (officer.Officer, error) {
	if o, ok := ctx.Get(contextOfficerKey).(officer.Officer); ok {
		return o, nil
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return officer.Officer{}, err
	}

	o, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		if errors.Cause(err) == officer.ErrNotFound {
			return officer.Officer{}, errUnauthorized
		}
		return officer.Officer{}, errors.Wrap(err, "finding officer by ID")
	}
	if !o.Active() {
		return officer.Officer{}, errAccountDeactivated
	}
	ctx.Set(contextOfficerKey, o)
	return o, nil
}

func refreshToken(ctx echo.Context, conf *core.Config, svc officer.Service) (string, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getting context claims")
	}

	o, err := getContextOfficer(ctx, svc)
	if err != nil {
		return "", errors.Wrap(err, "getting context officer")
	}

	// check if refresh has not expired
	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(conf.Server.JWTRefreshExpirationDelta)
	if time.Now().After(expTime) {
		return "", errRefreshExpired
	}

	token, err := GenerateToken(conf, GetOfficerClaims(conf, o, claims.OrigIssuedAt))
	return token, errors.Wrap(err, "generating token")
}

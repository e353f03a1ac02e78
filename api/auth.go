package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"taskboard/domain"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// AuthOptions configures token verification. LocalMode "hs256" verifies
// tokens against LocalSecret instead of the provider's JWKS.
// clockSkew is how far nbf and iat may sit in the future.
const clockSkew = time.Minute

type AuthOptions struct {
	Audience    string
	Issuer      string
	LocalMode   string
	LocalSecret string
	KeyCacheTTL time.Duration
}

// Auth validates session tokens and turns them into identities.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance. jwks may be nil in local mode.
func NewAuth(jwks *keyfunc.JWKS, opts AuthOptions) (*Auth, error) {
	a := &Auth{JWKS: jwks, Audience: opts.Audience, Issuer: opts.Issuer, keyCacheTTL: opts.KeyCacheTTL}
	if a.keyCacheTTL == 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}

	switch strings.ToLower(opts.LocalMode) {
	case "":
		if jwks == nil {
			return nil, errors.New("jwks must be configured unless LOCAL_AUTH_MODE is set")
		}
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
	case "hs256":
		if opts.LocalSecret == "" {
			return nil, errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
		a.TestMode = true
		a.TestSecret = []byte(opts.LocalSecret)
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	default:
		return nil, errors.New("unsupported LOCAL_AUTH_MODE value")
	}
	return a, nil
}

// IdentityFromToken verifies a raw JWT and returns the caller it names.
func (a *Auth) IdentityFromToken(tokenStr string) (domain.Identity, error) {
	if tokenStr == "" {
		return domain.Identity{}, errMissingAuthorization
	}

	var parsedToken *jwt.Token
	var err error
	if a.TestMode {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsedToken, err = a.parser.Parse(tokenStr, a.keyForToken)
	}
	if err != nil {
		return domain.Identity{}, err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, errors.New("invalid claims")
	}

	// exp is checked against the real clock; nbf and iat tolerate issuer skew.
	now := time.Now()
	if !claims.VerifyExpiresAt(now.Unix(), true) {
		return domain.Identity{}, errors.New("token expired")
	}
	skewed := now.Add(clockSkew).Unix()
	if !claims.VerifyNotBefore(skewed, false) {
		return domain.Identity{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(skewed, false) {
		return domain.Identity{}, errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, true) {
		return domain.Identity{}, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true) {
		return domain.Identity{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.Identity{}, errors.New("missing sub")
	}
	id := domain.Identity{UserID: sub}
	id.Email, _ = claims["email"].(string)
	id.Name = nameClaim(claims)
	return id, nil
}

// nameClaim reads "name", falling back to the provider's user_metadata.
func nameClaim(claims jwt.MapClaims) string {
	if name, ok := claims["name"].(string); ok && name != "" {
		return name
	}
	meta, ok := claims["user_metadata"].(map[string]any)
	if !ok {
		return ""
	}
	for _, k := range []string{"name", "full_name"} {
		if name, ok := meta[k].(string); ok && name != "" {
			return name
		}
	}
	return ""
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

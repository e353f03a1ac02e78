package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// Authenticator turns a raw session token into an identity.
type Authenticator interface {
	IdentityFromToken(token string) (domain.Identity, error)
}

// sessionToken finds the credential on a request: the session cookie first,
// then the Authorization header, then ?token= when allowQuery is set.
func sessionToken(req *http.Request, cookieName string, allowQuery bool) (string, error) {
	if cookieName != "" {
		if ck, err := req.Cookie(cookieName); err == nil && ck.Value != "" {
			return ck.Value, nil
		}
	}
	if h := req.Header.Get(echo.HeaderAuthorization); h != "" {
		return bearerTokenFromString(h)
	}
	if allowQuery {
		if tok := req.URL.Query().Get("token"); tok != "" {
			return tok, nil
		}
	}
	return "", errMissingAuthorization
}

func bearerTokenFromString(raw string) (string, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	if len(trimmed) <= len(bearerPrefix) || !strings.HasPrefix(trimmed, bearerPrefix) {
		return "", errBadAuthorization
	}
	token := trimmed[len(bearerPrefix):]
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// resolveSession fails closed: any problem with the credential yields no identity.
func resolveSession(c echo.Context, auth Authenticator, cookieName string, allowQuery bool) (domain.Identity, error) {
	token, err := sessionToken(c.Request(), cookieName, allowQuery)
	if err != nil {
		return domain.Identity{}, err
	}
	id, err := auth.IdentityFromToken(token)
	if err != nil {
		return domain.Identity{}, err
	}
	if id.UserID == "" {
		return domain.Identity{}, errors.New("missing sub")
	}
	return id, nil
}

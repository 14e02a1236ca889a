package auth

import (
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LoginRoute is where unauthenticated users are sent.
const LoginRoute = "/login"

// Expired reports whether token is a JWT whose exp claim has passed. The
// signature is not checked; opaque or claim-less tokens are left for the
// server to judge.
func Expired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}

// LoginPath is the login redirect target that brings the user back to
// returnTo afterwards. Only same-site paths are kept.
func LoginPath(returnTo string) string {
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") || returnTo == LoginRoute {
		return LoginRoute
	}
	return LoginRoute + "?redirect=" + url.QueryEscape(returnTo)
}

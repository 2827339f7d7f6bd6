package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type authUser struct {
	ID       string
	Username string
}

var errUnauthorized = errors.New("missing or invalid token")

// authenticate verifies the bearer token (falling back to the "token"
// query parameter for clients that cannot set headers) and returns the
// caller's identity from the sub and username claims.
func authenticate(r *http.Request, secret []byte) (authUser, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return authUser{}, errUnauthorized
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return authUser{}, errUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return authUser{}, errUnauthorized
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return authUser{}, errUnauthorized
	}
	username, _ := claims["username"].(string)
	return authUser{ID: sub, Username: username}, nil
}

package rpc

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"lienchain/observability/logging"
)

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if len(s.jwtSecret) == 0 {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication secret not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if tokenStr == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		s.log.Warn("rpc auth rejected", "reason", err.Error(), logging.MaskField("token", tokenStr))
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials", Data: err.Error()}
	}
	if !token.Valid {
		s.log.Warn("rpc auth rejected", "reason", "token invalid", logging.MaskField("token", tokenStr))
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// IssueToken mints a signed bearer token for the given subject. Used by the
// daemon's bootstrap path and by tests.
func IssueToken(secret []byte, subject string, ttlSeconds int64, now int64) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now,
		"exp": now + ttlSeconds,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

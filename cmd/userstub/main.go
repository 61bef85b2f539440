// userstub plays the user service for local development: it validates the
// HS256 dev tokens minted by cmd/token and answers the gateway's
// GET /api/profile delegation calls. The real user service replaces it in
// any deployed environment.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var addr string
	var secret string
	flag.StringVar(&addr, "addr", ":9005", "listen address")
	flag.StringVar(&secret, "secret", "dev-secret", "HS256 secret shared with cmd/token")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})

	mux.HandleFunc("/api/profile", func(w http.ResponseWriter, r *http.Request) {
		sub, email, err := validate(r, []byte(secret))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          sub,
			"email":       email,
			"roles":       []string{"user"},
			"permissions": []string{"games:read", "library:read"},
		})
	})

	log.Printf("userstub listening on %s", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Fatal(srv.ListenAndServe())
}

func validate(r *http.Request, secret []byte) (sub, email string, err error) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", "", errors.New("missing bearer token")
	}
	tokStr := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	tok, err := parser.ParseWithClaims(tokStr, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return "", "", errors.New("invalid token")
	}
	sub, _ = claims["sub"].(string)
	if sub == "" {
		return "", "", errors.New("missing sub")
	}
	email, _ = claims["email"].(string)
	return sub, email, nil
}

package controllers

import (
	"context"
	"net/http"

	"github.com/RealZimboGuy/flowcron/pkg/flowcron/core"
	"golang.org/x/crypto/bcrypt"
)

const apiKeyUser = "api"

// AuthController guards admin routes with a single API key whose bcrypt hash is configured.
// An empty hash leaves the routes open.
type AuthController struct {
	APIKeyHash string
}

func NewAuthController(apiKeyHash string) *AuthController {
	return &AuthController{APIKeyHash: apiKeyHash}
}

func (ac *AuthController) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ac.APIKeyHash == "" {
			next(w, r)
			return
		}
		// Supported headers: X-API-Key: <key>
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(ac.APIKeyHash), []byte(apiKey)); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), core.CtxKeyUsername, apiKeyUser)
		next(w, r.WithContext(ctx))
	}
}

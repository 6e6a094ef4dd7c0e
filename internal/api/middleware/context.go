package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/procmine/pkg/models"
)

type contextKey string

const (
	userKey      contextKey = "user"
	keyPrefixKey contextKey = "key_prefix"
)

// SetUser stores the authenticated user in ctx.
func SetUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser returns the user set by Authenticate.
func GetUser(r *http.Request) (*models.User, bool) {
	u, ok := r.Context().Value(userKey).(*models.User)
	return u, ok && u != nil
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/vmmaster/vmmaster/internal/cache"
	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/store"
)

type userKey struct{}

// UserFromContext returns the authenticated admin user, if any.
func UserFromContext(ctx context.Context) (*domain.User, bool) {
	u, ok := ctx.Value(userKey{}).(*domain.User)
	return u, ok
}

const tokenCacheTTL = 5 * time.Minute

// TokenAuth authenticates /api requests by the X-Token header against
// the users table, with a short-lived cache in front so hot admin
// tooling does not hammer Postgres. Requests without a valid token get
// 401 in the admin envelope.
func TokenAuth(st *store.Store, c cache.Cache, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Token ") {
				token = strings.TrimPrefix(auth, "Token ")
			}
		}
		if token == "" {
			renderError(w, http.StatusUnauthorized, "token required")
			return
		}

		user, err := lookupUser(r.Context(), st, c, token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				renderError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			logging.Op().Error("token auth", "error", err)
			renderError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}

		ctx := context.WithValue(r.Context(), userKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func lookupUser(ctx context.Context, st *store.Store, c cache.Cache, token string) (*domain.User, error) {
	key := "token:" + token
	if c != nil {
		if data, err := c.Get(ctx, key); err == nil {
			var user domain.User
			if err := json.Unmarshal(data, &user); err == nil {
				return &user, nil
			}
		}
	}

	user, err := st.GetUserByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if c != nil {
		if data, err := json.Marshal(user); err == nil {
			if err := c.Set(ctx, key, data, tokenCacheTTL); err != nil {
				logging.Op().Warn("cache token", "error", err)
			}
		}
	}
	return user, nil
}

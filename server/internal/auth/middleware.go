package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/channelrelay/channelrelay/pkg/types"
	"github.com/channelrelay/channelrelay/server/internal/store"
)

// Modes accepted by Middleware.
const (
	ModeAPIKey = "apikey"
	ModeNone   = "none"
)

// Owners looks up owners for authentication. *store.Store implements it.
type Owners interface {
	OwnerByAPIKey(ctx context.Context, key string) (*store.Owner, error)
	OwnerByName(ctx context.Context, username string) (*store.Owner, error)
}

type ctxKey struct{}

// WithOwner returns a copy of ctx carrying o.
func WithOwner(ctx context.Context, o *store.Owner) context.Context {
	return context.WithValue(ctx, ctxKey{}, o)
}

// OwnerFromContext returns the owner placed in ctx by Middleware.
func OwnerFromContext(ctx context.Context) (*store.Owner, bool) {
	o, ok := ctx.Value(ctxKey{}).(*store.Owner)
	return o, ok && o != nil
}

// Middleware returns HTTP middleware authenticating requests against owners.
// An empty mode means apikey.
func Middleware(mode, header string, owners Owners) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				o   *store.Owner
				err error
			)
			if mode == ModeNone {
				o, err = owners.OwnerByName(r.Context(), store.DefaultOwner)
			} else {
				o, err = owners.OwnerByAPIKey(r.Context(), r.Header.Get(header))
			}

			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), o)))
			case errors.Is(err, store.ErrNotFound):
				slog.Debug("auth: rejected request", "path", r.URL.Path, "remote", r.RemoteAddr)
				forbidden(w, "invalid api key")
			default:
				slog.Error("auth: owner lookup failed", "path", r.URL.Path, "err", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(types.ErrorResponse{Error: "owner lookup failed"}) //nolint:errcheck
			}
		})
	}
}

func forbidden(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg}) //nolint:errcheck
}

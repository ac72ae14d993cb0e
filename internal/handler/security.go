package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/keychain-shop/internal/domain/identity"
)

// IdentityResolver maps a bearer token to a caller.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (identity.Identity, error)
}

type callerKey struct{}

// caller returns the identity stored by authenticate. The zero Identity fails
// Validate, so handlers outside authenticate cannot act on anyone's behalf.
func caller(ctx context.Context) identity.Identity {
	id, _ := ctx.Value(callerKey{}).(identity.Identity)
	return id
}

// authenticate resolves the Authorization header and rejects the request with
// 401 when it cannot. Resolver failures other than ErrUnresolved surface as
// retryable 500s.
func authenticate(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, r, identity.ErrUnresolved)
				return
			}
			id, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				writeError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), callerKey{}, id)
			ctx = zctx.With(ctx, zap.String("subject", id.Subject), zap.Bool("staff", id.Staff))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

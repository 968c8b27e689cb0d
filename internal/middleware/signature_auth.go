package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/coinbridge/backend/internal/sync"
)

// maxBodyBytes bounds request bodies read for signature verification.
const maxBodyBytes = 1 << 20

// PlatformAuth authenticates platform adapter requests. The adapter sends
// X-Platform naming itself and X-Signature carrying the hex HMAC-SHA256 of
// the raw body under the shared secret. The body is verified before any
// downstream work and restored so the handler can re-read it.
func PlatformAuth(secrets map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			platform := r.Header.Get("X-Platform")
			secret, ok := secrets[platform]
			if !ok {
				http.Error(w, `{"error":"unknown platform"}`, http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !sync.VerifySignature(secret, body, r.Header.Get("X-Signature")) {
				http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxPlatformKey, platform)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PlatformFromCtx returns the authenticated platform name, or "".
func PlatformFromCtx(ctx context.Context) string {
	p, _ := ctx.Value(ctxPlatformKey).(string)
	return p
}

// WithPlatform returns a context carrying the given platform. Used by
// handler tests that bypass the middleware.
func WithPlatform(ctx context.Context, platform string) context.Context {
	return context.WithValue(ctx, ctxPlatformKey, platform)
}

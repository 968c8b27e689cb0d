package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coinbridge/backend/internal/sync"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var secrets = map[string]string{"gameA": "secret-a", "gameB": "secret-b"}

// echoHandler writes the platform from context and the (restored) body.
var echoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Write([]byte(PlatformFromCtx(r.Context())))
	w.Write([]byte(":"))
	w.Write(body)
})

func signedRequest(t *testing.T, platform, secret string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", bytes.NewReader(body))
	req.Header.Set("X-Platform", platform)
	req.Header.Set("X-Signature", sync.Sign(secret, body))
	return req
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPlatformAuth_ValidSignature(t *testing.T) {
	mw := PlatformAuth(secrets)(echoHandler)
	body := []byte(`{"deltas":{"coins":100}}`)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, signedRequest(t, "gameA", "secret-a", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	want := "gameA:" + string(body)
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q (platform in context, body restored)", got, want)
	}
}

func TestPlatformAuth_UnknownPlatform(t *testing.T) {
	mw := PlatformAuth(secrets)(echoHandler)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, signedRequest(t, "gameZ", "secret-a", []byte(`{}`)))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestPlatformAuth_InvalidSignature(t *testing.T) {
	mw := PlatformAuth(secrets)(echoHandler)
	body := []byte(`{"deltas":{"coins":100}}`)

	cases := []struct {
		name string
		req  *http.Request
	}{
		{"wrong secret", signedRequest(t, "gameA", "secret-b", body)},
		{"missing signature", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/sync", bytes.NewReader(body))
			r.Header.Set("X-Platform", "gameA")
			return r
		}()},
		{"tampered body", func() *http.Request {
			r := signedRequest(t, "gameA", "secret-a", body)
			r.Body = io.NopCloser(bytes.NewReader([]byte(`{"deltas":{"coins":999999}}`)))
			return r
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, tc.req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

func TestAuthenticate_Token(t *testing.T) {
	a := NewAuthenticator(Config{Secret: "s3cret", TokenIssuer: "pesio"})

	token, err := IssueToken("s3cret", "pesio", "user-1", "issuer-1", time.Minute)
	require.NoError(t, err)

	uc, err := a.Authenticate("Bearer "+token, "", "")
	require.NoError(t, err)
	assert.Equal(t, "user-1", uc.UserID)
	assert.Equal(t, "issuer-1", uc.IssuerID)

	t.Run("wrong secret", func(t *testing.T) {
		bad, err := IssueToken("other", "pesio", "user-1", "issuer-1", time.Minute)
		require.NoError(t, err)
		_, err = a.Authenticate("Bearer "+bad, "", "")
		assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))
	})

	t.Run("expired", func(t *testing.T) {
		old, err := IssueToken("s3cret", "pesio", "user-1", "issuer-1", -time.Minute)
		require.NoError(t, err)
		_, err = a.Authenticate("Bearer "+old, "", "")
		assert.Error(t, err)
	})

	t.Run("wrong token issuer", func(t *testing.T) {
		other, err := IssueToken("s3cret", "someone-else", "user-1", "issuer-1", time.Minute)
		require.NoError(t, err)
		_, err = a.Authenticate("Bearer "+other, "", "")
		assert.Error(t, err)
	})
}

func TestAuthenticate_Headers(t *testing.T) {
	trusted := NewAuthenticator(Config{AllowHeaders: true})
	uc, err := trusted.Authenticate("", "issuer-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "issuer-1", uc.IssuerID)

	untrusted := NewAuthenticator(Config{Secret: "s3cret"})
	_, err = untrusted.Authenticate("", "issuer-1", "user-1")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator(Config{AllowHeaders: true})
	var got *UserContext
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetUserContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, got)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil)
	req.Header.Set(HeaderIssuerID, "issuer-1")
	req.Header.Set(HeaderUserID, "user-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
}

func TestUnaryServerInterceptor(t *testing.T) {
	a := NewAuthenticator(Config{AllowHeaders: true})
	icpt := a.UnaryServerInterceptor("/ar.invoices.v1.")
	handler := func(ctx context.Context, req any) (any, error) {
		uc, err := GetUserContext(ctx)
		if err != nil {
			return "anonymous", nil
		}
		return uc.IssuerID, nil
	}

	resp, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", resp)

	_, err = icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/ar.invoices.v1.InvoiceIntegrity/VerifyInvoice"}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-issuer-id", "issuer-9"))
	resp, err = icpt(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/ar.invoices.v1.InvoiceIntegrity/VerifyInvoice"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "issuer-9", resp)
}

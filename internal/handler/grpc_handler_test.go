package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-ar-invoices/internal/auth"
	"github.com/pesio-ai/be-ar-invoices/internal/client"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/integrity"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

func startGRPC(t *testing.T, env *testEnv, creds client.Credentials) *client.IntegrityGRPCClient {
	t.Helper()

	authn := auth.NewAuthenticator(auth.Config{AllowHeaders: true})
	srv := grpc.NewServer(grpc.UnaryInterceptor(authn.UnaryServerInterceptor("/ar.invoices.v1.")))
	RegisterIntegrityServer(srv, NewGRPCHandler(env.invoices, env.finalizer, logger.Nop()))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := client.NewIntegrityGRPCClient("passthrough:///bufnet", creds,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGRPC_FinalizeVerifyHistory(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t)
	c := startGRPC(t, env, client.Credentials{IssuerID: "acme", UserID: "user-1"})
	ctx := context.Background()

	res, err := c.FinalizeInvoice(ctx, "acme", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, draft.InvoiceNumber, res.InvoiceNumber)
	assert.True(t, res.IsFinalized)
	assert.NotEmpty(t, res.FinalizedAt)
	assert.True(t, integrity.ValidHash(res.PDFHash))

	_, err = c.FinalizeInvoice(ctx, "acme", draft.ID)
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	result, err := c.VerifyInvoice(ctx, "", draft.ID)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, integrity.StatusVerified, result.Status)
	assert.Equal(t, res.PDFHash, result.StoredHash)

	entries, err := c.GetAuditHistory(ctx, "acme", draft.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, repository.ActionFinalized, entries[0].Action)
	assert.Equal(t, "user-1", entries[0].PerformedBy)
	require.NotNil(t, entries[0].Metadata)
	assert.Equal(t, res.PDFHash, entries[0].Metadata["pdfHash"])

	finalized := env.audit.Last(draft.ID)
	require.NotNil(t, finalized.IPAddress)
}

func TestGRPC_Errors(t *testing.T) {
	env := newTestEnv(t)
	draft := env.createDraft(t)
	ctx := context.Background()

	t.Run("unauthenticated", func(t *testing.T) {
		c := startGRPC(t, env, client.Credentials{})
		_, err := c.VerifyInvoice(ctx, "acme", draft.ID)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		c := startGRPC(t, env, client.Credentials{IssuerID: "acme"})
		_, err := c.FinalizeInvoice(ctx, "other", draft.ID)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})

	t.Run("not found", func(t *testing.T) {
		c := startGRPC(t, env, client.Credentials{IssuerID: "acme"})
		_, err := c.VerifyInvoice(ctx, "acme", "missing")
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("verify draft", func(t *testing.T) {
		c := startGRPC(t, env, client.Credentials{IssuerID: "acme"})
		_, err := c.VerifyInvoice(ctx, "acme", draft.ID)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestGRPCCode(t *testing.T) {
	tests := []struct {
		code errors.Code
		want codes.Code
	}{
		{errors.ErrCodeValidation, codes.InvalidArgument},
		{errors.ErrCodeInvalidInput, codes.InvalidArgument},
		{errors.ErrCodeAlreadyFinalized, codes.FailedPrecondition},
		{errors.ErrCodeNotFound, codes.NotFound},
		{errors.ErrCodePathSecurity, codes.PermissionDenied},
		{errors.ErrCodeModificationForbidden, codes.PermissionDenied},
		{errors.ErrCodeConflict, codes.Aborted},
		{errors.ErrCodeUnauthorized, codes.Unauthenticated},
		{errors.ErrCodeIntegrity, codes.DataLoss},
		{errors.ErrCodeStorage, codes.Internal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, grpcCode(tt.code))
		})
	}
}

func TestGRPC_InternalErrorsAreGeneric(t *testing.T) {
	h := NewGRPCHandler(nil, nil, logger.Nop())

	err := h.mapError(errors.Storage("write acme/2025/FAC2025-0001.pdf", assert.AnError))

	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Equal(t, "an internal error occurred", status.Convert(err).Message())
}

package handler

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-ar-invoices/internal/audit"
	"github.com/pesio-ai/be-ar-invoices/internal/auth"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/rpc"
	"github.com/pesio-ai/be-ar-invoices/internal/service"
)

// IntegrityServer is the server API of ar.invoices.v1.InvoiceIntegrity.
type IntegrityServer interface {
	FinalizeInvoice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	VerifyInvoice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetAuditHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// GRPCHandler implements IntegrityServer
type GRPCHandler struct {
	invoices  *service.InvoiceService
	finalizer *service.FinalizationService
	log       *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(invoices *service.InvoiceService, finalizer *service.FinalizationService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		invoices:  invoices,
		finalizer: finalizer,
		log:       log.WithComponent("grpc"),
	}
}

// RegisterIntegrityServer registers srv on s.
func RegisterIntegrityServer(s grpc.ServiceRegistrar, srv IntegrityServer) {
	s.RegisterService(&integrityServiceDesc, srv)
}

var integrityServiceDesc = grpc.ServiceDesc{
	ServiceName: rpc.ServiceName,
	HandlerType: (*IntegrityServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(rpc.MethodFinalizeInvoice, IntegrityServer.FinalizeInvoice),
		unary(rpc.MethodVerifyInvoice, IntegrityServer.VerifyInvoice),
		unary(rpc.MethodGetAuditHistory, IntegrityServer.GetAuditHistory),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ar/invoices/v1/integrity.proto",
}

func unary(method string, call func(IntegrityServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(IntegrityServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpc.FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(IntegrityServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FinalizeInvoice finalizes an invoice
func (h *GRPCHandler) FinalizeInvoice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var ref rpc.InvoiceRef
	uc, err := h.request(ctx, req, &ref, &ref.IssuerID)
	if err != nil {
		return nil, err
	}

	h.log.Info().
		Str("issuer_id", uc.IssuerID).
		Str("invoice_id", ref.InvoiceID).
		Msg("gRPC FinalizeInvoice called")

	invoice, err := h.finalizer.Finalize(withPeerInfo(ctx), uc.IssuerID, ref.InvoiceID, uc.UserID)
	if err != nil {
		return nil, h.mapError(err)
	}

	return encode(FinalizeResult(invoice))
}

// VerifyInvoice checks the archived PDF against its recorded hash
func (h *GRPCHandler) VerifyInvoice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var ref rpc.InvoiceRef
	uc, err := h.request(ctx, req, &ref, &ref.IssuerID)
	if err != nil {
		return nil, err
	}

	result, err := h.finalizer.Verify(ctx, uc.IssuerID, ref.InvoiceID)
	if err != nil {
		return nil, h.mapError(err)
	}

	return encode(result)
}

// GetAuditHistory returns an invoice's audit trail, newest first
func (h *GRPCHandler) GetAuditHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in rpc.HistoryRequest
	uc, err := h.request(ctx, req, &in, &in.IssuerID)
	if err != nil {
		return nil, err
	}

	entries, err := h.invoices.History(ctx, in.InvoiceID, uc.IssuerID, in.Limit)
	if err != nil {
		return nil, h.mapError(err)
	}

	return encode(map[string]any{"invoiceId": in.InvoiceID, "entries": entries})
}

// request decodes req into v and checks that the issuer named in the message,
// if any, is the caller's.
func (h *GRPCHandler) request(ctx context.Context, req *structpb.Struct, v any, issuerID *string) (*auth.UserContext, error) {
	uc, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	if err := rpc.Decode(req, v); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if *issuerID != "" && *issuerID != uc.IssuerID {
		return nil, status.Error(codes.PermissionDenied, "issuer does not match credentials")
	}
	return uc, nil
}

func (h *GRPCHandler) mapError(err error) error {
	code := errors.CodeOf(err)
	if !errors.ClientFacing(code) {
		h.log.Error().Err(err).Str("code", string(code)).Msg("gRPC request failed")
		return status.Error(codes.Internal, "an internal error occurred")
	}
	return status.Error(grpcCode(code), err.Error())
}

func grpcCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeValidation, errors.ErrCodeInvalidInput:
		return codes.InvalidArgument
	case errors.ErrCodeAlreadyFinalized:
		return codes.FailedPrecondition
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodePathSecurity, errors.ErrCodeModificationForbidden:
		return codes.PermissionDenied
	case errors.ErrCodeConflict:
		return codes.Aborted
	case errors.ErrCodeUnauthorized:
		return codes.Unauthenticated
	case errors.ErrCodeIntegrity:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

func encode(v any) (*structpb.Struct, error) {
	s, err := rpc.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// withPeerInfo records the caller's address and user agent for the audit trail.
func withPeerInfo(ctx context.Context) context.Context {
	info := audit.RequestInfo{}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		info.IPAddress = p.Addr.String()
		if host, _, err := net.SplitHostPort(info.IPAddress); err == nil {
			info.IPAddress = host
		}
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ua := md.Get("user-agent"); len(ua) > 0 {
			info.UserAgent = ua[0]
		}
	}
	return audit.WithRequestInfo(ctx, info)
}

package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-ar-invoices/internal/integrity"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
	"github.com/pesio-ai/be-ar-invoices/internal/rpc"
)

// Credentials identify the caller of the integrity service.
type Credentials struct {
	Token    string
	IssuerID string
	UserID   string
}

// IntegrityGRPCClient is a gRPC client for the invoice integrity service
type IntegrityGRPCClient struct {
	conn *grpc.ClientConn
}

// NewIntegrityGRPCClient creates a new integrity service gRPC client
func NewIntegrityGRPCClient(addr string, creds Credentials, opts ...grpc.DialOption) (*IntegrityGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata, withCredentials(creds)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	return &IntegrityGRPCClient{conn: conn}, nil
}

// Close closes the gRPC connection
func (c *IntegrityGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// FinalizeInvoice finalizes an invoice
func (c *IntegrityGRPCClient) FinalizeInvoice(ctx context.Context, issuerID, invoiceID string) (*rpc.FinalizeResponse, error) {
	var out rpc.FinalizeResponse
	if err := c.call(ctx, rpc.MethodFinalizeInvoice, rpc.InvoiceRef{IssuerID: issuerID, InvoiceID: invoiceID}, &out); err != nil {
		return nil, fmt.Errorf("failed to finalize invoice: %w", err)
	}
	return &out, nil
}

// VerifyInvoice checks an invoice's archived PDF against its recorded hash
func (c *IntegrityGRPCClient) VerifyInvoice(ctx context.Context, issuerID, invoiceID string) (*integrity.Result, error) {
	var out integrity.Result
	if err := c.call(ctx, rpc.MethodVerifyInvoice, rpc.InvoiceRef{IssuerID: issuerID, InvoiceID: invoiceID}, &out); err != nil {
		return nil, fmt.Errorf("failed to verify invoice: %w", err)
	}
	return &out, nil
}

// GetAuditHistory retrieves an invoice's audit trail, newest first
func (c *IntegrityGRPCClient) GetAuditHistory(ctx context.Context, issuerID, invoiceID string, limit int) ([]*repository.AuditEntry, error) {
	var out struct {
		Entries []*repository.AuditEntry `json:"entries"`
	}
	req := rpc.HistoryRequest{IssuerID: issuerID, InvoiceID: invoiceID, Limit: limit}
	if err := c.call(ctx, rpc.MethodGetAuditHistory, req, &out); err != nil {
		return nil, fmt.Errorf("failed to get audit history: %w", err)
	}
	return out.Entries, nil
}

func (c *IntegrityGRPCClient) call(ctx context.Context, method string, req, out any) error {
	in, err := rpc.Encode(req)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, rpc.FullMethod(method), in, resp); err != nil {
		return err
	}
	return rpc.Decode(resp, out)
}

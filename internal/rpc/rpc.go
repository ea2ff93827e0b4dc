// Package rpc holds the wire contract of the ar.invoices.v1.InvoiceIntegrity
// gRPC service. Messages are google.protobuf.Struct values carrying the same
// JSON documents as the HTTP API.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ar.invoices.v1.InvoiceIntegrity"

// Method names.
const (
	MethodFinalizeInvoice = "FinalizeInvoice"
	MethodVerifyInvoice   = "VerifyInvoice"
	MethodGetAuditHistory = "GetAuditHistory"
)

// FullMethod returns the /service/method path used on the wire.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// InvoiceRef addresses one invoice.
type InvoiceRef struct {
	IssuerID  string `json:"issuerId"`
	InvoiceID string `json:"invoiceId"`
}

// HistoryRequest asks for an invoice's audit trail.
type HistoryRequest struct {
	IssuerID  string `json:"issuerId"`
	InvoiceID string `json:"invoiceId"`
	Limit     int    `json:"limit,omitempty"`
}

// FinalizeResponse mirrors the HTTP finalize response.
type FinalizeResponse struct {
	InvoiceNumber string `json:"invoiceNumber"`
	IsFinalized   bool   `json:"isFinalized"`
	FinalizedAt   string `json:"finalizedAt"`
	PDFHash       string `json:"pdfHash"`
}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return s, nil
}

// Decode fills v from a Struct through its JSON form.
func Decode(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

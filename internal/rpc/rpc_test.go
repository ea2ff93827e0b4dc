package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	s, err := Encode(HistoryRequest{IssuerID: "acme", InvoiceID: "inv-1", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "acme", s.Fields["issuerId"].GetStringValue())
	assert.Equal(t, float64(5), s.Fields["limit"].GetNumberValue())

	var out HistoryRequest
	require.NoError(t, Decode(s, &out))
	assert.Equal(t, HistoryRequest{IssuerID: "acme", InvoiceID: "inv-1", Limit: 5}, out)
}

func TestEncode_RejectsNonObjects(t *testing.T) {
	_, err := Encode([]string{"a"})
	assert.Error(t, err)
}

func TestFullMethod(t *testing.T) {
	assert.Equal(t, "/ar.invoices.v1.InvoiceIntegrity/VerifyInvoice", FullMethod(MethodVerifyInvoice))
}

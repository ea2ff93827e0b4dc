package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

type fakeConn struct {
	msgs     []*nats.Msg
	err      error
	flushErr error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) FlushWithContext(context.Context) error {
	return f.flushErr
}

func finalizedInvoice() *repository.Invoice {
	hash := "ab12"
	path := "acme/2025/FAC2025-BET-0001.pdf"
	return &repository.Invoice{
		ID:            "inv-1",
		IssuerID:      "acme",
		InvoiceNumber: "FAC2025-BET-0001",
		Status:        repository.StatusSent,
		PaymentStatus: repository.PaymentUnpaid,
		Total:         decimal.RequireFromString("1200"),
		Currency:      "EUR",
		IsFinalized:   true,
		PDFHash:       &hash,
		PDFPath:       &path,
	}
}

func TestEventPublisher_Finalized(t *testing.T) {
	conn := &fakeConn{}
	p := NewEventPublisher(conn, "", logger.Nop())

	require.NoError(t, p.PublishFinalized(context.Background(), finalizedInvoice()))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	assert.Equal(t, "invoices.finalized", msg.Subject)
	assert.Equal(t, "application/json", msg.Header.Get("Content-Type"))
	assert.NotEmpty(t, msg.Header.Get(nats.MsgIdHdr))

	var event InvoiceEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, EventFinalized, event.EventType)
	assert.Equal(t, "FAC2025-BET-0001", event.InvoiceNumber)
	assert.Equal(t, "1200.00", event.Total)
	assert.Equal(t, "ab12", event.PDFHash)
	assert.Equal(t, msg.Header.Get(nats.MsgIdHdr), event.EventID)
}

func TestEventPublisher_StatusChanged(t *testing.T) {
	conn := &fakeConn{}
	p := NewEventPublisher(conn, "ar.invoices", logger.Nop())

	inv := finalizedInvoice()
	inv.Status = repository.StatusPaid
	require.NoError(t, p.PublishStatusChanged(context.Background(), inv, repository.StatusSent))

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "ar.invoices.status_changed", conn.msgs[0].Subject)

	var event InvoiceEvent
	require.NoError(t, json.Unmarshal(conn.msgs[0].Data, &event))
	assert.Equal(t, repository.StatusPaid, event.Status)
	assert.Equal(t, repository.StatusSent, event.PreviousStatus)
}

func TestEventPublisher_Errors(t *testing.T) {
	p := NewEventPublisher(&fakeConn{err: nats.ErrConnectionClosed}, "", logger.Nop())
	err := p.PublishFinalized(context.Background(), finalizedInvoice())
	assert.True(t, stderrors.Is(err, nats.ErrConnectionClosed))

	p = NewEventPublisher(&fakeConn{flushErr: context.DeadlineExceeded}, "", logger.Nop())
	err = p.PublishFinalized(context.Background(), finalizedInvoice())
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))

	p = NewEventPublisher(nil, "", logger.Nop())
	assert.NoError(t, p.PublishFinalized(context.Background(), finalizedInvoice()))
}

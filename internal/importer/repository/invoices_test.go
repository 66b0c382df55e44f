package repository

import (
	"testing"
	"time"

	"invoiceimport/internal/importer/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func sampleInvoice() *domain.Invoice {
	return &domain.Invoice{
		CustomerName:  "acme",
		InvoiceNumber: "INV-00042",
		TotalValue:    decimal.RequireFromString("1999.90"),
		ProductId:     "sku-7",
		Quantity:      3,
		TransactionId: "0b5c7f5e-1d7c-4b4e-9a62-8b0e4b7e6b11",
		CreatedAt:     time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestToInvoiceDocument(t *testing.T) {
	doc := toInvoiceDocument(sampleInvoice())

	assert.Equal(t, "#invoice_acme/INV-00042", doc.ID)
	assert.Equal(t, "#invoice_acme", doc.PK)
	assert.Equal(t, "INV-00042", doc.SK)
	assert.Equal(t, "1999.9", doc.TotalValue)
	assert.Equal(t, "0b5c7f5e-1d7c-4b4e-9a62-8b0e4b7e6b11", doc.TransactionId)
}

func TestInvoiceDocument_BSONRoundTrip(t *testing.T) {
	raw, err := bson.Marshal(toInvoiceDocument(sampleInvoice()))
	require.NoError(t, err)

	var decoded invoiceDocument
	require.NoError(t, bson.Unmarshal(raw, &decoded))

	inv, err := fromInvoiceDocument(decoded)
	require.NoError(t, err)
	assert.True(t, inv.TotalValue.Equal(decimal.RequireFromString("1999.90")))
	assert.Equal(t, sampleInvoice().Key(), inv.Key())
	assert.Equal(t, 3, inv.Quantity)
}

func TestFromInvoiceDocument_BadTotal(t *testing.T) {
	_, err := fromInvoiceDocument(invoiceDocument{ID: "x", TotalValue: "abc"})
	assert.Error(t, err)
}

func TestToEventDocument(t *testing.T) {
	inv := sampleInvoice()
	ev := toEventDocument(inv, 24*time.Hour)

	assert.Equal(t, "INVOICE_CREATED#"+inv.Key(), ev.ID)
	assert.Equal(t, string(domain.InvoiceCreated), ev.Type)
	assert.Equal(t, inv.CreatedAt.Add(24*time.Hour), ev.ExpiresAt)
}

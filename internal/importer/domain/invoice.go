package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MinInvoiceNumberLength is the shortest accepted invoice number.
const MinInvoiceNumberLength = 5

var validate = validator.New(validator.WithRequiredStructEnabled())

// InvoiceFile is the JSON document a client uploads to the staging area.
type InvoiceFile struct {
	CustomerName  string          `json:"customerName"`
	InvoiceNumber string          `json:"invoiceNumber" validate:"required,min=5"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	ProductId     string          `json:"productId"`
	Quantity      int             `json:"quantity"`
}

// Validate checks the upload schema and returns a readable reason on failure.
func (f *InvoiceFile) Validate() error {
	if err := validate.Struct(f); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("field %s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return err
	}
	return nil
}

// Invoice is the durable record derived from an accepted InvoiceFile.
type Invoice struct {
	CustomerName  string
	InvoiceNumber string
	TotalValue    decimal.Decimal
	ProductId     string
	Quantity      int
	TransactionId string
	CreatedAt     time.Time
}

// NewInvoice derives the durable record, back-referencing the transaction.
func NewInvoice(f *InvoiceFile, transactionID string, now time.Time) *Invoice {
	return &Invoice{
		CustomerName:  f.CustomerName,
		InvoiceNumber: f.InvoiceNumber,
		TotalValue:    f.TotalValue,
		ProductId:     f.ProductId,
		Quantity:      f.Quantity,
		TransactionId: transactionID,
		CreatedAt:     now,
	}
}

// PartitionKey groups invoices by customer.
func (i *Invoice) PartitionKey() string {
	return "#invoice_" + i.CustomerName
}

// Key is unique per customer and invoice number.
func (i *Invoice) Key() string {
	return i.PartitionKey() + "/" + i.InvoiceNumber
}

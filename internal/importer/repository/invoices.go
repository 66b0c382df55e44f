package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"invoiceimport/internal/importer/domain"
	"invoiceimport/pkg/logger"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrConnect = errors.New("mongo connect failed")

// invoiceDocument is the stored shape of an accepted invoice. The id is the
// invoice key so re-imports of the same invoice overwrite instead of
// duplicating.
type invoiceDocument struct {
	ID            string    `bson:"_id"`
	PK            string    `bson:"pk"`
	SK            string    `bson:"sk"`
	CustomerName  string    `bson:"customerName"`
	InvoiceNumber string    `bson:"invoiceNumber"`
	TotalValue    string    `bson:"totalValue"`
	ProductId     string    `bson:"productId"`
	Quantity      int       `bson:"quantity"`
	TransactionId string    `bson:"transactionId"`
	CreatedAt     time.Time `bson:"createdAt"`
}

// eventDocument is one entry of the invoice event log.
type eventDocument struct {
	ID            string    `bson:"_id"`
	Type          string    `bson:"type"`
	InvoiceKey    string    `bson:"invoiceKey"`
	TransactionId string    `bson:"transactionId"`
	CreatedAt     time.Time `bson:"createdAt"`
	ExpiresAt     time.Time `bson:"expiresAt"`
}

func toInvoiceDocument(inv *domain.Invoice) invoiceDocument {
	return invoiceDocument{
		ID:            inv.Key(),
		PK:            inv.PartitionKey(),
		SK:            inv.InvoiceNumber,
		CustomerName:  inv.CustomerName,
		InvoiceNumber: inv.InvoiceNumber,
		TotalValue:    inv.TotalValue.String(),
		ProductId:     inv.ProductId,
		Quantity:      inv.Quantity,
		TransactionId: inv.TransactionId,
		CreatedAt:     inv.CreatedAt.UTC(),
	}
}

func toEventDocument(inv *domain.Invoice, retention time.Duration) eventDocument {
	created := inv.CreatedAt.UTC()
	return eventDocument{
		ID:            string(domain.InvoiceCreated) + "#" + inv.Key(),
		Type:          string(domain.InvoiceCreated),
		InvoiceKey:    inv.Key(),
		TransactionId: inv.TransactionId,
		CreatedAt:     created,
		ExpiresAt:     created.Add(retention),
	}
}

// InvoiceRepository stores invoices and their creation events in MongoDB.
type InvoiceRepository struct {
	invoices  *mongo.Collection
	events    *mongo.Collection
	retention time.Duration
	logger    *logger.Logger
}

// Config selects the database, collections and event retention.
type Config struct {
	Database          string
	InvoiceCollection string
	EventCollection   string
	EventRetention    time.Duration
}

// Connect opens a client and verifies it with a ping.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri)
	if timeout > 0 {
		opts.SetConnectTimeout(timeout).SetServerSelectionTimeout(timeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %w", ErrConnect, err)
	}

	return client, nil
}

func NewInvoiceRepository(client *mongo.Client, cfg Config) *InvoiceRepository {
	db := client.Database(cfg.Database)
	return &InvoiceRepository{
		invoices:  db.Collection(cfg.InvoiceCollection),
		events:    db.Collection(cfg.EventCollection),
		retention: cfg.EventRetention,
		logger:    logger.WithField("component", "invoice-repository"),
	}
}

// EnsureIndexes creates the partition index and the event expiry index.
func (r *InvoiceRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.invoices.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "pk", Value: 1}, {Key: "sk", Value: 1}},
		Options: options.Index().SetName("pk_sk"),
	})
	if err != nil {
		return fmt.Errorf("create invoice index: %w", err)
	}

	_, err = r.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetName("expires_at_ttl").SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("create event ttl index: %w", err)
	}

	return nil
}

// SaveInvoice upserts the invoice and its INVOICE_CREATED event.
func (r *InvoiceRepository) SaveInvoice(ctx context.Context, inv *domain.Invoice) error {
	doc := toInvoiceDocument(inv)
	upsert := options.Replace().SetUpsert(true)

	if _, err := r.invoices.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, upsert); err != nil {
		return fmt.Errorf("save invoice %s: %w", doc.ID, err)
	}

	event := toEventDocument(inv, r.retention)
	if _, err := r.events.ReplaceOne(ctx, bson.M{"_id": event.ID}, event, upsert); err != nil {
		return fmt.Errorf("save invoice event %s: %w", event.ID, err)
	}

	r.logger.Debug("invoice saved", "key", doc.ID, "transactionId", inv.TransactionId)
	return nil
}

// FindInvoice loads an invoice by customer and number. It returns
// mongo.ErrNoDocuments when absent.
func (r *InvoiceRepository) FindInvoice(ctx context.Context, customer, number string) (*domain.Invoice, error) {
	key := (&domain.Invoice{CustomerName: customer, InvoiceNumber: number}).Key()

	var doc invoiceDocument
	if err := r.invoices.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		return nil, err
	}

	return fromInvoiceDocument(doc)
}

func fromInvoiceDocument(doc invoiceDocument) (*domain.Invoice, error) {
	total, err := decimal.NewFromString(doc.TotalValue)
	if err != nil {
		return nil, fmt.Errorf("decode invoice %s: %w", doc.ID, err)
	}

	return &domain.Invoice{
		CustomerName:  doc.CustomerName,
		InvoiceNumber: doc.InvoiceNumber,
		TotalValue:    total,
		ProductId:     doc.ProductId,
		Quantity:      doc.Quantity,
		TransactionId: doc.TransactionId,
		CreatedAt:     doc.CreatedAt,
	}, nil
}

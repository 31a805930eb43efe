package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"crypto_portfolio_tracker/config"
	"crypto_portfolio_tracker/models"
)

// SnapshotCollection holds archived portfolio snapshots.
const SnapshotCollection = "portfolio_snapshots"

var ErrDisabled = errors.New("snapshot archive not configured")

// Archive keeps a long term copy of portfolio snapshots in MongoDB. A
// zero-configured Archive is disabled and SaveSnapshot is a no-op.
type Archive struct {
	cfg config.MongoConfig

	mu        sync.RWMutex
	client    *mongo.Client
	coll      *mongo.Collection
	connected bool
	lastError string
}

type snapshotDocument struct {
	ID          uint                 `bson:"_id"`
	PortfolioID uint                 `bson:"portfolio_id"`
	TotalValue  primitive.Decimal128 `bson:"total_value"`
	TotalCost   primitive.Decimal128 `bson:"total_cost"`
	ProfitLoss  primitive.Decimal128 `bson:"profit_loss"`
	Allocation  string               `bson:"allocation"`
	Timestamp   time.Time            `bson:"timestamp"`
	ArchivedAt  time.Time            `bson:"archived_at"`
}

// Status reports the archive connection.
type Status struct {
	URISet    bool   `json:"uri_set"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

func New(cfg config.MongoConfig) *Archive {
	return &Archive{cfg: cfg}
}

// newWithCollection wraps an existing collection.
func newWithCollection(coll *mongo.Collection) *Archive {
	return &Archive{coll: coll, connected: true, cfg: config.MongoConfig{URI: "mock"}}
}

// Connect dials MongoDB, verifies the connection and ensures the indexes.
// It returns nil without connecting when no URI is configured.
func (a *Archive) Connect(ctx context.Context) error {
	if a.cfg.URI == "" {
		zap.L().Info("MONGO_URI not set, snapshot archive disabled")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(a.cfg.URI).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		a.setError(fmt.Sprintf("failed to connect: %v", err))
		return fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		a.setError(fmt.Sprintf("failed to ping: %v", err))
		_ = client.Disconnect(ctx)
		return fmt.Errorf("failed to ping mongodb: %w", err)
	}

	coll := client.Database(a.cfg.Database).Collection(SnapshotCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "portfolio_id", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		zap.L().Warn("Snapshot archive index not created", zap.Error(err))
	}

	a.mu.Lock()
	a.client = client
	a.coll = coll
	a.connected = true
	a.lastError = ""
	a.mu.Unlock()

	zap.L().Info("Snapshot archive connected", zap.String("database", a.cfg.Database))
	return nil
}

func (a *Archive) setError(msg string) {
	a.mu.Lock()
	a.lastError = msg
	a.mu.Unlock()
}

func (a *Archive) collection() *mongo.Collection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil
	}
	return a.coll
}

// Enabled reports whether snapshots are being archived.
func (a *Archive) Enabled() bool {
	return a.collection() != nil
}

func (a *Archive) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{URISet: a.cfg.URI != "", Connected: a.connected, Error: a.lastError}
}

// SaveSnapshot upserts the snapshot keyed by its database id.
func (a *Archive) SaveSnapshot(ctx context.Context, snap models.HistoricalData) error {
	coll := a.collection()
	if coll == nil {
		return nil
	}
	doc, err := toDocument(snap)
	if err != nil {
		return err
	}
	doc.ArchivedAt = time.Now().UTC()
	_, err = coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to archive snapshot %d: %w", snap.ID, err)
	}
	return nil
}

// LoadSnapshots returns archived snapshots of a portfolio between from and
// to, oldest first. Zero bounds are open.
func (a *Archive) LoadSnapshots(ctx context.Context, portfolioID uint, from, to time.Time) ([]models.HistoricalData, error) {
	coll := a.collection()
	if coll == nil {
		return nil, ErrDisabled
	}
	filter := bson.M{"portfolio_id": portfolioID}
	ts := bson.M{}
	if !from.IsZero() {
		ts["$gte"] = from.UTC()
	}
	if !to.IsZero() {
		ts["$lte"] = to.UTC()
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}

	cur, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer cur.Close(ctx)

	var out []models.HistoricalData
	for cur.Next(ctx) {
		var doc snapshotDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode archived snapshot: %w", err)
		}
		snap, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return out, nil
}

func (a *Archive) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.client == nil {
		return nil
	}
	return a.client.Disconnect(ctx)
}

func toDocument(s models.HistoricalData) (snapshotDocument, error) {
	doc := snapshotDocument{
		ID:          s.ID,
		PortfolioID: s.PortfolioID,
		Allocation:  s.Allocation,
		Timestamp:   s.Timestamp.UTC(),
	}
	var err error
	if doc.TotalValue, err = toDecimal128(s.TotalValue); err != nil {
		return doc, err
	}
	if doc.TotalCost, err = toDecimal128(s.TotalCost); err != nil {
		return doc, err
	}
	if doc.ProfitLoss, err = toDecimal128(s.ProfitLoss); err != nil {
		return doc, err
	}
	return doc, nil
}

func fromDocument(doc snapshotDocument) (models.HistoricalData, error) {
	s := models.HistoricalData{
		ID:          doc.ID,
		PortfolioID: doc.PortfolioID,
		Allocation:  doc.Allocation,
		Timestamp:   doc.Timestamp.UTC(),
	}
	var err error
	if s.TotalValue, err = decimal.NewFromString(doc.TotalValue.String()); err != nil {
		return s, fmt.Errorf("archived total_value: %w", err)
	}
	if s.TotalCost, err = decimal.NewFromString(doc.TotalCost.String()); err != nil {
		return s, fmt.Errorf("archived total_cost: %w", err)
	}
	if s.ProfitLoss, err = decimal.NewFromString(doc.ProfitLoss.String()); err != nil {
		return s, fmt.Errorf("archived profit_loss: %w", err)
	}
	return s, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("decimal %s: %w", d, err)
	}
	return v, nil
}

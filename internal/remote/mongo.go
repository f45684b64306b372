package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/domain"
)

const mongoAuthFailed = 18

// MongoStore implements Store on MongoDB. CommitOrder needs a replica set
// since it runs in a multi-document transaction.
type MongoStore struct {
	client   *mongo.Client
	carts    *mongo.Collection
	products *mongo.Collection
	orders   *mongo.Collection
}

func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(20)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return NewMongoStore(client.Database(database)), nil
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:   db.Client(),
		carts:    db.Collection("carts"),
		products: db.Collection("products"),
		orders:   db.Collection("orders"),
	}
}

func (m *MongoStore) CreateIndexes(ctx context.Context) error {
	_, err := m.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create order indexes: %w", err)
	}

	_, err = m.carts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "updated_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60), // 90 days TTL
	})
	if err != nil {
		return fmt.Errorf("failed to create cart indexes: %w", err)
	}
	return nil
}

func (m *MongoStore) GetCart(ctx context.Context, userID string) (CartDocument, error) {
	var doc CartDocument
	err := m.carts.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return CartDocument{}, ErrNotFound
	}
	if err != nil {
		return CartDocument{}, mongoError("get cart", err)
	}
	return doc, nil
}

func (m *MongoStore) PutCart(ctx context.Context, doc CartDocument, expectedRevision int64) (int64, error) {
	next := expectedRevision + 1
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}

	if expectedRevision == 0 {
		doc.Revision = next
		if _, err := m.carts.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return 0, ErrRevisionMismatch
			}
			return 0, mongoError("create cart", err)
		}
		return next, nil
	}

	filter := bson.M{"_id": doc.UserID, "revision": expectedRevision}
	update := bson.M{"$set": bson.M{
		"revision":   next,
		"items":      doc.Items,
		"removed":    doc.Removed,
		"updated_at": doc.UpdatedAt,
	}}
	result, err := m.carts.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, mongoError("update cart", err)
	}
	if result.MatchedCount == 0 {
		return 0, ErrRevisionMismatch
	}
	return next, nil
}

func (m *MongoStore) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	cursor, err := m.products.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, mongoError("find products", err)
	}
	defer cursor.Close(ctx)

	var products []domain.Product
	if err := cursor.All(ctx, &products); err != nil {
		return nil, mongoError("decode products", err)
	}

	result := make(map[string]domain.Product, len(products))
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (m *MongoStore) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var order domain.Order
	err := m.orders.FindOne(ctx, bson.M{"_id": orderID}).Decode(&order)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Order{}, ErrNotFound
	}
	if err != nil {
		return domain.Order{}, mongoError("get order", err)
	}
	return order, nil
}

func (m *MongoStore) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := m.orders.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, mongoError("list orders", err)
	}
	defer cursor.Close(ctx)

	var orders []domain.Order
	if err := cursor.All(ctx, &orders); err != nil {
		return nil, mongoError("decode orders", err)
	}
	return orders, nil
}

func (m *MongoStore) CommitOrder(ctx context.Context, order domain.Order, decrements []StockDecrement) error {
	session, err := m.client.StartSession()
	if err != nil {
		return mongoError("start session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := m.orders.InsertOne(sc, order); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrDuplicateOrder
			}
			return nil, err
		}

		for _, d := range decrements {
			filter := bson.M{"_id": d.ProductID, "stock_count": d.ExpectedStock}
			update := bson.M{"$inc": bson.M{"stock_count": -d.Quantity, "version": 1}}
			result, err := m.products.UpdateOne(sc, filter, update)
			if err != nil {
				return nil, err
			}
			if result.MatchedCount == 0 {
				return nil, ErrStockConflict
			}
		}
		return nil, nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateOrder), errors.Is(err, ErrStockConflict):
		return err
	default:
		return mongoError("commit order", err)
	}
}

// UpsertProduct writes a product document, for seeding and tests.
func (m *MongoStore) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := m.products.ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	if err != nil {
		return mongoError("upsert product", err)
	}
	return nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func mongoError(op string, err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == mongoAuthFailed {
		return fmt.Errorf("%w: %s: %w", domain.ErrAuthExpired, op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrNetwork, op, err)
}

package store

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pdfflex/gatekeeper/internal/model"
)

const mongoCollection = "api_keys"

// MongoStore keeps API keys as documents in a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

var (
	_ Store            = (*MongoStore)(nil)
	_ UsageIncrementer = (*MongoStore)(nil)
)

// OpenMongo connects to cfg.DSN, selects cfg.Database and ensures the
// collection indexes exist.
func OpenMongo(ctx context.Context, cfg Config) (Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("mongodb store requires a dsn")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().ApplyURI(cfg.DSN).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(5 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)
	if cfg.MaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(cfg.MaxOpenConns))
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongodb connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongodb ping")
	}

	database := cfg.Database
	if database == "" {
		database = "gatekeeper"
	}
	s := &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(mongoCollection),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key_hash", Value: 1}},
			Options: options.Index().SetName("idx_api_keys_key_hash").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_api_keys_user_status"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index().SetName("idx_api_keys_status"),
		},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return errors.Wrap(err, "create indexes")
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping verifies the server is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// keyDoc is the stored document shape.
type keyDoc struct {
	ID               string     `bson:"_id"`
	UserID           string     `bson:"user_id"`
	KeyHash          string     `bson:"key_hash"`
	KeyPrefix        string     `bson:"key_prefix"`
	Name             string     `bson:"name"`
	Description      string     `bson:"description"`
	Tier             string     `bson:"tier"`
	Status           string     `bson:"status"`
	RequestCount     int64      `bson:"request_count"`
	DailyLimit       *int64     `bson:"daily_limit"`
	MonthlyLimit     *int64     `bson:"monthly_limit"`
	MonthlyCount     int64      `bson:"monthly_count"`
	UsageMonth       string     `bson:"usage_month"`
	AllowedEndpoints []string   `bson:"allowed_endpoints"`
	AllowedOrigins   []string   `bson:"allowed_origins"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at"`
	LastUsedAt       *time.Time `bson:"last_used_at"`
	ExpiresAt        *time.Time `bson:"expires_at"`
	CreatedFromIP    string     `bson:"created_from_ip"`
	LastUsedFromIP   string     `bson:"last_used_from_ip"`
}

func keyDocFromModel(k *model.APIKey) keyDoc {
	return keyDoc{
		ID:               k.ID,
		UserID:           k.UserID,
		KeyHash:          k.KeyHash,
		KeyPrefix:        k.KeyPrefix,
		Name:             k.Name,
		Description:      k.Description,
		Tier:             string(k.Tier),
		Status:           string(k.Status),
		RequestCount:     k.RequestCount,
		DailyLimit:       k.DailyLimit,
		MonthlyLimit:     k.MonthlyLimit,
		MonthlyCount:     k.MonthlyCount,
		UsageMonth:       k.UsageMonth,
		AllowedEndpoints: nonNil(k.AllowedEndpoints),
		AllowedOrigins:   nonNil(k.AllowedOrigins),
		CreatedAt:        k.CreatedAt,
		UpdatedAt:        k.UpdatedAt,
		LastUsedAt:       k.LastUsedAt,
		ExpiresAt:        k.ExpiresAt,
		CreatedFromIP:    k.CreatedFromIP,
		LastUsedFromIP:   k.LastUsedFromIP,
	}
}

func (d keyDoc) toModel() model.APIKey {
	k := model.APIKey{
		ID:               d.ID,
		UserID:           d.UserID,
		KeyHash:          d.KeyHash,
		KeyPrefix:        d.KeyPrefix,
		Name:             d.Name,
		Description:      d.Description,
		Tier:             model.Tier(d.Tier),
		Status:           model.Status(d.Status),
		RequestCount:     d.RequestCount,
		DailyLimit:       d.DailyLimit,
		MonthlyLimit:     d.MonthlyLimit,
		MonthlyCount:     d.MonthlyCount,
		UsageMonth:       d.UsageMonth,
		AllowedEndpoints: nonNil(d.AllowedEndpoints),
		AllowedOrigins:   nonNil(d.AllowedOrigins),
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
		CreatedFromIP:    d.CreatedFromIP,
		LastUsedFromIP:   d.LastUsedFromIP,
	}
	if d.LastUsedAt != nil {
		t := d.LastUsedAt.UTC()
		k.LastUsedAt = &t
	}
	if d.ExpiresAt != nil {
		t := d.ExpiresAt.UTC()
		k.ExpiresAt = &t
	}
	return k
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// patchDoc converts a patch into a $set document.
func patchDoc(p model.APIKeyPatch, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	if p.Name != nil {
		set["name"] = *p.Name
	}
	if p.Description != nil {
		set["description"] = *p.Description
	}
	if p.Status != nil {
		set["status"] = string(*p.Status)
	}
	if p.DailyLimit != nil {
		set["daily_limit"] = *p.DailyLimit
	}
	if p.MonthlyLimit != nil {
		set["monthly_limit"] = *p.MonthlyLimit
	}
	if p.AllowedEndpoints != nil {
		set["allowed_endpoints"] = nonNil(*p.AllowedEndpoints)
	}
	if p.AllowedOrigins != nil {
		set["allowed_origins"] = nonNil(*p.AllowedOrigins)
	}
	if p.RequestCount != nil {
		set["request_count"] = *p.RequestCount
	}
	if p.MonthlyCount != nil {
		set["monthly_count"] = *p.MonthlyCount
	}
	if p.UsageMonth != nil {
		set["usage_month"] = *p.UsageMonth
	}
	if p.LastUsedAt != nil {
		set["last_used_at"] = p.LastUsedAt.UTC()
	}
	if p.LastUsedFromIP != nil {
		set["last_used_from_ip"] = *p.LastUsedFromIP
	}
	return set
}

// usagePipeline builds the update pipeline for one counted request. Inside
// a single $set stage every expression reads the pre-update document.
func usagePipeline(at time.Time, ip string) mongo.Pipeline {
	month := model.UsageMonthOf(at)
	set := bson.D{
		{Key: "request_count", Value: bson.D{{Key: "$add", Value: bson.A{"$request_count", 1}}}},
		{Key: "monthly_count", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$usage_month", month}}},
			bson.D{{Key: "$add", Value: bson.A{"$monthly_count", 1}}},
			1,
		}}}},
		{Key: "usage_month", Value: month},
		{Key: "last_used_at", Value: at},
		{Key: "updated_at", Value: at},
	}
	if ip != "" {
		set = append(set, bson.E{Key: "last_used_from_ip", Value: ip})
	}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func (s *MongoStore) findOne(ctx context.Context, op string, filter bson.M) (*model.APIKey, error) {
	var doc keyDoc
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, op)
	}
	k := doc.toModel()
	return &k, nil
}

func (s *MongoStore) findMany(ctx context.Context, op string, filter bson.M) ([]model.APIKey, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer cur.Close(ctx)

	var docs []keyDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, op)
	}
	keys := make([]model.APIKey, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, d.toModel())
	}
	return keys, nil
}

// FindActiveByHash looks up an active key by its hash.
func (s *MongoStore) FindActiveByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.findOne(ctx, "find api key by hash", bson.M{"key_hash": hash, "status": string(model.StatusActive)})
}

// Get returns a key by id.
func (s *MongoStore) Get(ctx context.Context, id string) (*model.APIKey, error) {
	return s.findOne(ctx, "get api key", bson.M{"_id": id})
}

// FindActiveByUser returns the user's non-terminal keys.
func (s *MongoStore) FindActiveByUser(ctx context.Context, userID string) ([]model.APIKey, error) {
	return s.findMany(ctx, "find api keys by user", bson.M{
		"user_id": userID,
		"status":  bson.M{"$nin": bson.A{string(model.StatusRevoked), string(model.StatusExpired)}},
	})
}

// ListByUser returns all of the user's keys, newest first.
func (s *MongoStore) ListByUser(ctx context.Context, userID string) ([]model.APIKey, error) {
	return s.findMany(ctx, "list api keys", bson.M{"user_id": userID})
}

// Create inserts a new key document.
func (s *MongoStore) Create(ctx context.Context, key *model.APIKey) error {
	if key.KeyHash == "" {
		return errors.New("insert api key: empty key hash")
	}
	if key.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return errors.Wrap(err, "generate api key id")
		}
		key.ID = id.String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.now()
	}
	key.UpdatedAt = key.CreatedAt
	key.AllowedEndpoints = nonNil(key.AllowedEndpoints)
	key.AllowedOrigins = nonNil(key.AllowedOrigins)

	if _, err := s.coll.InsertOne(ctx, keyDocFromModel(key)); err != nil {
		return errors.Wrap(err, "insert api key")
	}
	return nil
}

// Update applies patch and returns the updated document.
func (s *MongoStore) Update(ctx context.Context, id string, patch model.APIKeyPatch) (*model.APIKey, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc keyDoc
	filter := bson.M{"_id": id}
	if patch.IfStatus != nil {
		filter["status"] = string(*patch.IfStatus)
	}
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": patchDoc(patch, s.now())}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			if patch.IfStatus != nil {
				if _, gerr := s.Get(ctx, id); gerr == nil {
					return nil, ErrStatusChanged
				}
			}
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "update api key")
	}
	k := doc.toModel()
	return &k, nil
}

// IncrementUsage counts one request with an update pipeline.
func (s *MongoStore) IncrementUsage(ctx context.Context, id string, at time.Time, ip string) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, usagePipeline(at.UTC(), ip))
	if err != nil {
		return errors.Wrap(err, "increment api key usage")
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

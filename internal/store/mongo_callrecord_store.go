package store

import (
	"context"
	"time"

	"go-callkit/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoCallRecordStore 基于 MongoDB 的通话记录存储实现。
// - 通过 call_id 唯一索引保障幂等（消费组重复投递无害）
// - caller_id/callee_id + created_at 索引支撑按用户倒序拉取
type MongoCallRecordStore struct {
	DB *mongo.Database
}

func NewMongoCallRecordStore(db *mongo.Database) *MongoCallRecordStore {
	ms := &MongoCallRecordStore{DB: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = ms.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "call_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_call_id"),
	})
	_, _ = ms.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "caller_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	_, _ = ms.collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "callee_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	return ms
}

// mongoCallRecord 为存储层内部结构，与 models.CallRecord 字段一一映射。
type mongoCallRecord struct {
	OID            primitive.ObjectID `bson:"_id,omitempty"`
	ID             string             `bson:"id"`
	CallID         string             `bson:"call_id"`
	CallerID       string             `bson:"caller_id"`
	CalleeID       string             `bson:"callee_id"`
	ConversationID string             `bson:"conversation_id,omitempty"`
	CallerRole     string             `bson:"caller_role,omitempty"`
	Type           string             `bson:"type"`
	Status         string             `bson:"status"`
	StartTime      time.Time          `bson:"start_time"`
	EndTime        *time.Time         `bson:"end_time,omitempty"`
	Duration       int64              `bson:"duration"`
	CreatedAt      time.Time          `bson:"created_at"`
}

func (s *MongoCallRecordStore) collection() *mongo.Collection {
	return s.DB.Collection("call_records")
}

// Append 幂等写入记录（upsert + $setOnInsert）。
func (s *MongoCallRecordStore) Append(ctx context.Context, r *models.CallRecord) error {
	doc := &mongoCallRecord{
		ID:             r.ID,
		CallID:         r.CallID,
		CallerID:       r.CallerID,
		CalleeID:       r.CalleeID,
		ConversationID: r.ConversationID,
		CallerRole:     r.CallerRole,
		Type:           r.Type,
		Status:         r.Status,
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		Duration:       r.Duration,
		CreatedAt:      r.CreatedAt,
	}
	filter := bson.D{{Key: "call_id", Value: r.CallID}}
	update := bson.D{{Key: "$setOnInsert", Value: doc}}
	opts := options.Update().SetUpsert(true)
	_, err := s.collection().UpdateOne(ctx, filter, update, opts)
	return err
}

func (s *MongoCallRecordStore) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	var doc mongoCallRecord
	err := s.collection().FindOne(ctx, bson.D{{Key: "call_id", Value: callID}}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return doc.toModel(), nil
}

func (s *MongoCallRecordStore) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*models.CallRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "caller_id", Value: userID}},
		bson.D{{Key: "callee_id", Value: userID}},
	}}}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []*models.CallRecord
	for cur.Next(ctx) {
		var doc mongoCallRecord
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		res = append(res, doc.toModel())
	}
	return res, cur.Err()
}

func (d *mongoCallRecord) toModel() *models.CallRecord {
	return &models.CallRecord{
		ID:             d.ID,
		CallID:         d.CallID,
		CallerID:       d.CallerID,
		CalleeID:       d.CalleeID,
		ConversationID: d.ConversationID,
		CallerRole:     d.CallerRole,
		Type:           d.Type,
		Status:         d.Status,
		StartTime:      d.StartTime,
		EndTime:        d.EndTime,
		Duration:       d.Duration,
		CreatedAt:      d.CreatedAt,
	}
}

var _ CallRecordStore = (*MongoCallRecordStore)(nil)

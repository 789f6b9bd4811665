package usage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoDBReader implements UsageReader for MongoDB.
type MongoDBReader struct {
	collection *mongo.Collection
}

func NewMongoDBReader(database *mongo.Database) (*MongoDBReader, error) {
	if database == nil {
		return nil, errors.New("database is required")
	}
	return &MongoDBReader{collection: database.Collection("usage")}, nil
}

func (r *MongoDBReader) Summary(ctx context.Context, q Query) ([]ProviderSummary, error) {
	match := bson.D{}
	if !q.Since.IsZero() {
		match = append(match, bson.E{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: q.Since.UTC()}}})
	}
	if q.UserID != "" {
		match = append(match, bson.E{Key: "user_id", Value: q.UserID})
	}

	pipeline := bson.A{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$provider"},
			{Key: "requests", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "cached_requests", Value: bson.D{{Key: "$sum", Value: bson.D{
				{Key: "$cond", Value: bson.A{"$cached", 1, 0}},
			}}}},
			{Key: "input_tokens", Value: bson.D{{Key: "$sum", Value: "$input_tokens"}}},
			{Key: "output_tokens", Value: bson.D{{Key: "$sum", Value: "$output_tokens"}}},
			{Key: "total_tokens", Value: bson.D{{Key: "$sum", Value: "$total_tokens"}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage summary: %w", err)
	}
	defer cursor.Close(ctx)

	result := make([]ProviderSummary, 0)
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to decode usage summary: %w", err)
	}
	return result, nil
}

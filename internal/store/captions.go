package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"dancap/internal/logging"
)

const captionsDB = "gemini_captions_danbooru"

// CaptionsGateway stores per-id outcomes in shard-routed collections.
// Upserts are atomic per key; cross-key writes are unordered.
type CaptionsGateway struct {
	db  *mongo.Database
	log *logging.Logger
}

// NewCaptionsGateway builds an outcome gateway on the shared client.
func NewCaptionsGateway(client *mongo.Client) *CaptionsGateway {
	return &CaptionsGateway{
		db:  client.Database(captionsDB),
		log: logging.Get(logging.CategoryStore),
	}
}

// Upsert writes an outcome, routing by shard. Sets created_at on first
// insert, overwrites the outcome's declared fields, and leaves unlisted
// fields untouched. A failure outcome never replaces a stored success: the
// write filter excludes success=true documents and the resulting duplicate
// key insert is swallowed.
func (g *CaptionsGateway) Upsert(ctx context.Context, id int64, outcome *CaptionOutcome) error {
	outcome.ID = id
	if outcome.CreatedAt == 0 {
		outcome.CreatedAt = float64(time.Now().UnixNano()) / 1e9
	}

	raw, err := bson.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode outcome %d: %w", id, err)
	}
	var fields bson.M
	if err := bson.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("failed to decode outcome %d: %w", id, err)
	}
	delete(fields, "_id")

	filter := bson.M{"_id": id}
	if !outcome.Success {
		filter["success"] = bson.M{"$ne": true}
	}

	coll := g.db.Collection(ShardName(id))
	_, err = coll.UpdateOne(ctx, filter, bson.M{"$set": fields}, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Existing success document; keep it.
			g.log.Debug("id %d: kept stored success over later failure", id)
			return nil
		}
		return fmt.Errorf("failed to upsert outcome %d: %w", id, err)
	}

	g.log.Debug("id %d: outcome saved to collection %s (status %d)", id, ShardName(id), outcome.StatusCode)
	return nil
}

// Get returns the stored outcome for an id, or ErrNotFound.
func (g *CaptionsGateway) Get(ctx context.Context, id int64) (*CaptionOutcome, error) {
	var outcome CaptionOutcome
	err := g.db.Collection(ShardName(id)).FindOne(ctx, bson.M{"_id": id}).Decode(&outcome)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read outcome %d: %w", id, err)
	}
	return &outcome, nil
}

// processedFilter is the processed predicate: a prior run's judgment is final
// when success is recorded, a prompt was stored (grandfathered runs that
// predate status codes), or the status code is terminal.
func processedFilter(start, end int64) bson.M {
	return bson.M{
		"_id": bson.M{"$gte": start, "$lt": end},
		"$or": bson.A{
			bson.M{"prompt": bson.M{"$exists": true}},
			bson.M{"success": true},
			bson.M{"status_code": bson.M{"$in": ProcessedStatusCodes}},
		},
	}
}

// ProcessedInRange returns the ids in [start,end) satisfying the processed
// predicate, decomposed into per-shard projected scans.
func (g *CaptionsGateway) ProcessedInRange(ctx context.Context, start, end int64) (map[int64]struct{}, error) {
	return g.scanIDs(ctx, start, end, processedFilter)
}

// ExistingInRange returns every id in [start,end) that has any stored
// outcome, regardless of terminality.
func (g *CaptionsGateway) ExistingInRange(ctx context.Context, start, end int64) (map[int64]struct{}, error) {
	return g.scanIDs(ctx, start, end, func(s, e int64) bson.M {
		return bson.M{"_id": bson.M{"$gte": s, "$lt": e}}
	})
}

func (g *CaptionsGateway) scanIDs(ctx context.Context, start, end int64, filter func(s, e int64) bson.M) (map[int64]struct{}, error) {
	ids := make(map[int64]struct{})
	if end <= start {
		return ids, nil
	}

	for key := ShardKey(start); key <= ShardKey(end-1); key++ {
		shardStart := max64(start, key*ShardSize)
		shardEnd := min64(end, (key+1)*ShardSize)

		cursor, err := g.db.Collection(ShardName(shardStart)).Find(ctx,
			filter(shardStart, shardEnd),
			options.Find().SetProjection(bson.M{"_id": 1}).SetBatchSize(urlScanBatchSize))
		if err != nil {
			return nil, fmt.Errorf("outcome scan failed for shard %d: %w", key, err)
		}

		for cursor.Next(ctx) {
			var doc struct {
				ID int64 `bson:"_id"`
			}
			if err := cursor.Decode(&doc); err != nil {
				cursor.Close(ctx)
				return nil, fmt.Errorf("outcome scan decode failed for shard %d: %w", key, err)
			}
			ids[doc.ID] = struct{}{}
		}
		err = cursor.Err()
		cursor.Close(ctx)
		if err != nil {
			return nil, fmt.Errorf("outcome scan cursor failed for shard %d: %w", key, err)
		}
	}

	g.log.Debug("scanned [%d,%d): %d ids", start, end, len(ids))
	return ids, nil
}

// SaveResultFile writes the outcome as <dir>/<id>_caption.json.
func (g *CaptionsGateway) SaveResultFile(id int64, outcome *CaptionOutcome, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result file for %d: %w", id, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d_caption.json", id))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write result file for %d: %w", id, err)
	}

	logging.StoreDebug("result saved to %s", path)
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

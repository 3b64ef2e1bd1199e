package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"dancap/internal/logging"
)

const (
	picsDB             = "danbooru"
	picsCollection     = "pics"
	characterStatsColl = "character_stats"
	characterFreqColl  = "character_stats_general"
	urlScanBatchSize   = 10000
)

// PicsGateway reads image metadata: point reads, ranged URL scans, and
// character statistics. All operations are idempotent; storage errors
// surface to the caller, which treats them as transient.
type PicsGateway struct {
	db  *mongo.Database
	log *logging.Logger
}

// NewPicsGateway builds a metadata gateway on the shared client.
func NewPicsGateway(client *mongo.Client) *PicsGateway {
	return &PicsGateway{
		db:  client.Database(picsDB),
		log: logging.Get(logging.CategoryStore),
	}
}

// Get returns the metadata record for one id, or ErrNotFound.
func (g *PicsGateway) Get(ctx context.Context, id int64) (*ImageRecord, error) {
	var rec ImageRecord
	err := g.db.Collection(picsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read record %d: %w", id, err)
	}
	return &rec, nil
}

// urlProjection limits URL scans to the fields URL synthesis needs.
var urlProjection = bson.M{"_id": 1, "md5": 1, "file_ext": 1}

// BuildURLBatch resolves URLs for an explicit id list in a single projected
// scan. Every requested id gets an entry: 200 with a URL, 405 for unusable
// records, 404 for absent ones.
func (g *PicsGateway) BuildURLBatch(ctx context.Context, ids []int64) (map[int64]URLResult, error) {
	results := make(map[int64]URLResult, len(ids))
	if len(ids) == 0 {
		return results, nil
	}

	cursor, err := g.db.Collection(picsCollection).Find(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetProjection(urlProjection).SetBatchSize(urlScanBatchSize))
	if err != nil {
		return nil, fmt.Errorf("url batch scan failed: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var rec ImageRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, fmt.Errorf("url batch decode failed: %w", err)
		}
		results[rec.ID] = rec.Resolve()
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("url batch cursor failed: %w", err)
	}

	for _, id := range ids {
		if _, ok := results[id]; !ok {
			results[id] = URLResult{Status: StatusNotFound}
		}
	}
	return results, nil
}

// BuildURLsInKey resolves URLs for the whole shard [key*100000,(key+1)*100000)
// with one projected range scan. Peak memory is one shard's projection.
func (g *PicsGateway) BuildURLsInKey(ctx context.Context, key int64) (map[int64]URLResult, error) {
	start := key * ShardSize
	end := (key + 1) * ShardSize

	timer := logging.StartTimer(logging.CategoryStore, fmt.Sprintf("url scan for key %d", key))
	defer timer.StopWithInfo()

	results := make(map[int64]URLResult, ShardSize)

	cursor, err := g.db.Collection(picsCollection).Find(ctx,
		bson.M{"_id": bson.M{"$gte": start, "$lt": end}},
		options.Find().SetProjection(urlProjection).SetBatchSize(urlScanBatchSize))
	if err != nil {
		return nil, fmt.Errorf("url key scan failed: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var rec ImageRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, fmt.Errorf("url key scan decode failed: %w", err)
		}
		results[rec.ID] = rec.Resolve()
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("url key scan cursor failed: %w", err)
	}

	for id := start; id < end; id++ {
		if _, ok := results[id]; !ok {
			results[id] = URLResult{Status: StatusNotFound}
		}
	}

	counts := map[int]int{}
	for _, r := range results {
		counts[r.Status]++
	}
	g.log.Info("key %d url scan: %d ok, %d absent, %d unusable",
		key, counts[StatusOK], counts[StatusNotFound], counts[StatusUnusable])

	return results, nil
}

// CharacterStats returns the attribute list and series weights for a
// character tag. A missing character yields empty results, not an error.
func (g *PicsGateway) CharacterStats(ctx context.Context, name string) ([]string, map[string]float64, error) {
	var doc struct {
		Attribute []string           `bson:"attribute"`
		Series    map[string]float64 `bson:"series"`
	}
	err := g.db.Collection(characterStatsColl).FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read character stats for %q: %w", name, err)
	}
	return doc.Attribute, doc.Series, nil
}

// GlobalFrequency returns the corpus-wide frequency of a general tag, used by
// the character tree's attribute verification. Missing tags yield 0.
func (g *PicsGateway) GlobalFrequency(ctx context.Context, name string) (float64, error) {
	var doc struct {
		Frequency float64 `bson:"frequency"`
	}
	err := g.db.Collection(characterFreqColl).FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read tag frequency for %q: %w", name, err)
	}
	return doc.Frequency, nil
}

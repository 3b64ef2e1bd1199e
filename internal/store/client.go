// Package store provides the MongoDB gateways for image metadata, caption
// outcomes, and the tag graph. Gateways are plain collaborators built from a
// shared client; an operation before Connect is a programming error, not a
// runtime branch.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"dancap/internal/logging"
)

// ErrNotFound is returned by point reads when no document exists.
var ErrNotFound = errors.New("store: not found")

// Connect builds a MongoDB client with zlib wire compression and verifies
// the deployment is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetCompressors([]string{"zlib"}).
		SetZlibLevel(9)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo deployment unreachable: %w", err)
	}

	logging.Store("connected to %s (zlib compression, level 9)", uri)
	return client, nil
}

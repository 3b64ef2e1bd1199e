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

const tagsCollection = "tags"

// TagsGateway answers parent/child/related queries over the tag graph.
// All lookups are projected point reads; a missing node yields an empty
// result and a warning, not an error.
type TagsGateway struct {
	coll *mongo.Collection
	log  *logging.Logger
}

// NewTagsGateway builds a tag graph gateway on the shared client.
func NewTagsGateway(client *mongo.Client) *TagsGateway {
	return &TagsGateway{
		coll: client.Database(picsDB).Collection(tagsCollection),
		log:  logging.Get(logging.CategoryStore),
	}
}

// tagParent is how parent entries are stored: embedded docs carrying names.
type tagParent struct {
	Name string `bson:"name"`
}

func (g *TagsGateway) findProjected(ctx context.Context, name, field string, out interface{}) (bool, error) {
	err := g.coll.FindOne(ctx,
		bson.M{"name": name},
		options.FindOne().SetProjection(bson.M{field: 1, "_id": 1}),
	).Decode(out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			g.log.Warn("tag not found: %s", name)
			return false, nil
		}
		return false, fmt.Errorf("tag lookup failed for %q: %w", name, err)
	}
	return true, nil
}

// IsRoot reports whether the tag has no parents. Missing tags are not roots.
func (g *TagsGateway) IsRoot(ctx context.Context, name string) (bool, error) {
	var doc struct {
		Parents []tagParent `bson:"parents"`
	}
	found, err := g.findProjected(ctx, name, "parents", &doc)
	if err != nil || !found {
		return false, err
	}
	return len(doc.Parents) == 0, nil
}

// Children returns the direct child tag names.
func (g *TagsGateway) Children(ctx context.Context, name string) ([]string, error) {
	var doc struct {
		Children []string `bson:"children"`
	}
	found, err := g.findProjected(ctx, name, "children", &doc)
	if err != nil || !found {
		return nil, err
	}
	return doc.Children, nil
}

// Parents returns the direct parent tag names.
func (g *TagsGateway) Parents(ctx context.Context, name string) ([]string, error) {
	var doc struct {
		Parents []tagParent `bson:"parents"`
	}
	found, err := g.findProjected(ctx, name, "parents", &doc)
	if err != nil || !found {
		return nil, err
	}
	names := make([]string, 0, len(doc.Parents))
	for _, p := range doc.Parents {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return names, nil
}

// Related returns the related tag names.
func (g *TagsGateway) Related(ctx context.Context, name string) ([]string, error) {
	var doc struct {
		Related []string `bson:"related"`
	}
	found, err := g.findProjected(ctx, name, "related", &doc)
	if err != nil || !found {
		return nil, err
	}
	return doc.Related, nil
}

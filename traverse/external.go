package traverse

import (
	"context"

	"github.com/hupe1980/fabricgo/model"
)

// AnnIndex is the external approximate-nearest-neighbor service backing the
// semantic axis. The fabric never builds or maintains the index; it only
// queries it.
type AnnIndex interface {
	// Nearest returns up to k container ids with their distances to the
	// query embedding, closest first.
	Nearest(ctx context.Context, embedding []float32, k int) ([]Neighbor, error)
}

// Neighbor is one ANN match.
type Neighbor struct {
	ID       model.ContainerID
	Distance float32
}

// KeywordIndex is the external inverted index backing the contextual axis.
type KeywordIndex interface {
	// Search returns the ids of containers matching any of the keywords or
	// topics.
	Search(ctx context.Context, keywords, topics []string) ([]model.ContainerID, error)
}

// RelevanceModel is the learned child-ranking model consulted in MLGuided
// mode. Its predictions are only trusted when its tracked accuracy for the
// expanded container's category clears the confidence threshold.
type RelevanceModel interface {
	// Predict scores the children of the given container against the query
	// embedding. Higher scores mean more relevant.
	Predict(ctx context.Context, id model.ContainerID, queryEmbedding []float32) ([]Prediction, error)

	// Accuracy returns the model's tracked accuracy in [0,1] for a
	// container category.
	Accuracy(ctx context.Context, category model.ContainerType) (float64, error)
}

// Prediction is one relevance-model score.
type Prediction struct {
	Child model.ContainerID
	Score float32
}

// ZeroShotOracle confirms brute-force candidate sets against the free-form
// query. It is consulted only after exhaustive traversal, never inside the
// hot expansion loop.
type ZeroShotOracle interface {
	Confirm(ctx context.Context, candidates []model.ContainerID, query string) ([]model.ContainerID, error)
}

// Graph is the read surface the engine traverses: a pinned, immutable
// generation view. Implementations must be safe for concurrent use.
type Graph interface {
	// Structural returns the structural record for id, or false if the id
	// is unknown or deleted in this view.
	Structural(id model.ContainerID) (model.StructuralRecord, bool)

	// Children returns the child ids of id in creation order.
	Children(id model.ContainerID) ([]model.ContainerID, error)

	// Attributes returns the attribute record for id.
	Attributes(id model.ContainerID) (*model.AttributeRecord, error)
}

package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// SimilarityService scores items against stored training examples.
type SimilarityService interface {
	// Score computes the weighted feature similarity of two feature sets
	// in [0,1].
	Score(a, b models.Features) float64

	// RankWorkflows scores the item against every workflow's examples
	// and returns workflows ordered by descending score. A workflow's
	// score is the max over its examples. The skip pseudo-workflow is
	// ranked like any other.
	RankWorkflows(ctx context.Context, features models.Features) ([]models.RankedWorkflow, error)
}

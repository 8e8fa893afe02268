package similarity

import (
	"context"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// MaxBestMatches bounds the examples attached to each ranked workflow.
const MaxBestMatches = 3

// Engine scores items against stored training examples with a weighted
// feature comparison. It is a pre-filter: scores gate whether the
// advisor runs, they never archive anything on their own. Examples
// carry no time decay, an old match counts as much as a fresh one.
type Engine struct {
	criteria interfaces.CriteriaStorage
	weights  common.FeatureWeights
	logger   arbor.ILogger
}

// Compile-time assertion
var _ interfaces.SimilarityService = (*Engine)(nil)

// NewEngine creates a similarity engine with the configured weights,
// renormalized in case the config drifted.
func NewEngine(config *common.Config, criteria interfaces.CriteriaStorage, logger arbor.ILogger) *Engine {
	weights := config.FeatureWeights
	weights.Normalize()

	return &Engine{
		criteria: criteria,
		weights:  weights,
		logger:   logger,
	}
}

// Score computes the weighted feature similarity of two feature sets in
// [0,1]. Exact-match features compare by equality, including the empty
// value, so identical feature sets always score 1.0.
func (e *Engine) Score(a, b models.Features) float64 {
	score := 0.0
	if a.FromDomain == b.FromDomain {
		score += e.weights.FromDomain
	}
	score += e.weights.Subject * jaccard(a.SubjectTokens, b.SubjectTokens)
	if a.HasPDF == b.HasPDF {
		score += e.weights.HasPDF
	}
	score += e.weights.Body * jaccard(a.BodyTokens, b.BodyTokens)
	if a.To == b.To {
		score += e.weights.To
	}
	return score
}

// RankWorkflows scores the item against every workflow's examples and
// returns workflows by descending max score, each carrying its best
// matching examples. The skip pseudo-workflow ranks like any other so
// negative training can win.
func (e *Engine) RankWorkflows(ctx context.Context, features models.Features) ([]models.RankedWorkflow, error) {
	instances, err := e.criteria.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}

	byWorkflow := make(map[string][]models.ScoredExample)
	for _, instance := range instances {
		scored := models.ScoredExample{
			Instance: instance,
			Score:    e.Score(features, instance.Features),
		}
		byWorkflow[instance.WorkflowName] = append(byWorkflow[instance.WorkflowName], scored)
	}

	ranked := make([]models.RankedWorkflow, 0, len(byWorkflow))
	for name, examples := range byWorkflow {
		sort.Slice(examples, func(i, j int) bool { return examples[i].Score > examples[j].Score })

		best := examples
		if len(best) > MaxBestMatches {
			best = best[:MaxBestMatches]
		}
		ranked = append(ranked, models.RankedWorkflow{
			WorkflowName: name,
			Score:        examples[0].Score,
			BestMatches:  best,
		})
	}

	// Name breaks score ties so ranking stays deterministic
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].WorkflowName < ranked[j].WorkflowName
	})

	if len(ranked) > 0 {
		e.logger.Debug().
			Str("top_workflow", ranked[0].WorkflowName).
			Float64("top_score", ranked[0].Score).
			Int("workflows", len(ranked)).
			Int("examples", len(instances)).
			Msg("Ranked workflows by similarity")
	}

	return ranked, nil
}

// jaccard computes |a ∩ b| / |a ∪ b| over token sets. Two empty sets
// are identical, one empty set shares nothing.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	setA := make(map[string]struct{}, len(a))
	for _, token := range a {
		setA[token] = struct{}{}
	}

	setB := make(map[string]struct{}, len(b))
	intersection := 0
	for _, token := range b {
		if _, dup := setB[token]; dup {
			continue
		}
		setB[token] = struct{}{}
		if _, ok := setA[token]; ok {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

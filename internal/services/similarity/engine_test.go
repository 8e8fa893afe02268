package similarity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

type memoryCriteria struct {
	instances []models.CriteriaInstance
}

var _ interfaces.CriteriaStorage = (*memoryCriteria)(nil)

func (m *memoryCriteria) Save(ctx context.Context, instance *models.CriteriaInstance) error {
	m.instances = append(m.instances, *instance)
	return nil
}

func (m *memoryCriteria) Get(ctx context.Context, emailID string) (*models.CriteriaInstance, error) {
	return nil, nil
}

func (m *memoryCriteria) GetByWorkflow(ctx context.Context, workflowName string) ([]models.CriteriaInstance, error) {
	var out []models.CriteriaInstance
	for _, instance := range m.instances {
		if instance.WorkflowName == workflowName {
			out = append(out, instance)
		}
	}
	return out, nil
}

func (m *memoryCriteria) GetAll(ctx context.Context) ([]models.CriteriaInstance, error) {
	return append([]models.CriteriaInstance(nil), m.instances...), nil
}

func (m *memoryCriteria) Count(ctx context.Context) (int, error) {
	return len(m.instances), nil
}

func (m *memoryCriteria) CountByWorkflow(ctx context.Context, workflowName string) (int, error) {
	matched, _ := m.GetByWorkflow(ctx, workflowName)
	return len(matched), nil
}

func (m *memoryCriteria) DeleteByWorkflow(ctx context.Context, workflowName string) (int, error) {
	return 0, nil
}

func newTestEngine(criteria *memoryCriteria) *Engine {
	if criteria == nil {
		criteria = &memoryCriteria{}
	}
	return NewEngine(common.NewDefaultConfig(), criteria, arbor.NewLogger())
}

func receiptFeatures() models.Features {
	return models.Features{
		FromDomain:     "vendor.example",
		SubjectTokens:  []string{"taxi", "receipt", "march"},
		BodyTokens:     []string{"fare", "12", "50", "card"},
		HasPDF:         true,
		To:             "me@example.com",
		NumAttachments: 1,
	}
}

func TestScore_IdenticalFeatures(t *testing.T) {
	engine := newTestEngine(nil)
	features := receiptFeatures()

	assert.InDelta(t, 1.0, engine.Score(features, features), 1e-9)
}

func TestScore_EmptyFeaturesAreIdentical(t *testing.T) {
	engine := newTestEngine(nil)

	assert.InDelta(t, 1.0, engine.Score(models.Features{}, models.Features{}), 1e-9)
}

func TestScore_DisjointFeatures(t *testing.T) {
	engine := newTestEngine(nil)

	a := models.Features{
		FromDomain:    "alpha.example",
		SubjectTokens: []string{"invoice"},
		BodyTokens:    []string{"total"},
		HasPDF:        true,
		To:            "a@alpha.example",
	}
	b := models.Features{
		FromDomain:    "beta.example",
		SubjectTokens: []string{"newsletter"},
		BodyTokens:    []string{"unsubscribe"},
		HasPDF:        false,
		To:            "b@beta.example",
	}

	assert.InDelta(t, 0.0, engine.Score(a, b), 1e-9)
}

func TestScore_PartialSubjectOverlap(t *testing.T) {
	engine := newTestEngine(nil)

	a := receiptFeatures()
	b := receiptFeatures()
	// Jaccard {taxi receipt march} vs {taxi receipt april}: 2/4
	b.SubjectTokens = []string{"taxi", "receipt", "april"}

	want := 1.0 - 0.25*(1.0-0.5)
	assert.InDelta(t, want, engine.Score(a, b), 1e-9)
}

func TestScore_MonotoneInOverlap(t *testing.T) {
	engine := newTestEngine(nil)
	base := receiptFeatures()

	prev := -1.0
	overlaps := [][]string{
		{"x", "y", "z"},
		{"taxi", "y", "z"},
		{"taxi", "receipt", "z"},
		{"taxi", "receipt", "march"},
	}
	for _, tokens := range overlaps {
		other := receiptFeatures()
		other.SubjectTokens = tokens
		score := engine.Score(base, other)
		assert.GreaterOrEqual(t, score, prev, "tokens %v", tokens)
		prev = score
	}
}

func TestScore_RenormalizesDriftedWeights(t *testing.T) {
	config := common.NewDefaultConfig()
	config.FeatureWeights = common.FeatureWeights{
		FromDomain: 0.6,
		Subject:    0.5,
		HasPDF:     0.4,
		Body:       0.3,
		To:         0.2,
	}
	engine := NewEngine(config, &memoryCriteria{}, arbor.NewLogger())

	features := receiptFeatures()
	assert.InDelta(t, 1.0, engine.Score(features, features), 1e-9)
}

func TestRankWorkflows(t *testing.T) {
	criteria := &memoryCriteria{}
	ctx := context.Background()

	save := func(id, workflow string, features models.Features) {
		require.NoError(t, criteria.Save(ctx, &models.CriteriaInstance{
			EmailID:      id,
			WorkflowName: workflow,
			Features:     features,
		}))
	}

	exact := receiptFeatures()
	near := receiptFeatures()
	near.SubjectTokens = []string{"taxi", "receipt", "april"}
	far := models.Features{
		FromDomain:    "news.example",
		SubjectTokens: []string{"weekly", "digest"},
		BodyTokens:    []string{"unsubscribe"},
		To:            "me@example.com",
	}

	save("mail-1", "acme-receipt", near)
	save("mail-2", "acme-receipt", exact)
	save("mail-3", "acme-invoice", far)
	save("mail-4", models.SkipWorkflowName, far)

	engine := newTestEngine(criteria)
	ranked, err := engine.RankWorkflows(ctx, receiptFeatures())
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	assert.Equal(t, "acme-receipt", ranked[0].WorkflowName)
	assert.InDelta(t, 1.0, ranked[0].Score, 1e-9, "workflow score is the max over its examples")
	require.NotEmpty(t, ranked[0].BestMatches)
	assert.Equal(t, "mail-2", ranked[0].BestMatches[0].Instance.EmailID, "best example sorts first")

	// acme-invoice and _skip share the same score, name breaks the tie
	assert.Equal(t, "_skip", ranked[1].WorkflowName)
	assert.Equal(t, "acme-invoice", ranked[2].WorkflowName)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestRankWorkflows_BestMatchesCapped(t *testing.T) {
	criteria := &memoryCriteria{}
	ctx := context.Background()
	for i := 0; i < MaxBestMatches+2; i++ {
		require.NoError(t, criteria.Save(ctx, &models.CriteriaInstance{
			EmailID:      string(rune('a' + i)),
			WorkflowName: "acme-receipt",
			Features:     receiptFeatures(),
		}))
	}

	engine := newTestEngine(criteria)
	ranked, err := engine.RankWorkflows(ctx, receiptFeatures())
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Len(t, ranked[0].BestMatches, MaxBestMatches)
}

func TestRankWorkflows_NoExamples(t *testing.T) {
	engine := newTestEngine(nil)

	ranked, err := engine.RankWorkflows(context.Background(), receiptFeatures())
	require.NoError(t, err)
	assert.Nil(t, ranked)
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a    []string
		b    []string
		want float64
	}{
		{"both empty", nil, nil, 1.0},
		{"one empty", []string{"a"}, nil, 0.0},
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1.0},
		{"half overlap", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3.0},
		{"duplicates collapse", []string{"a", "a", "b"}, []string{"b", "b"}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

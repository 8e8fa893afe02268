package workflow

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

type memoryWorkflows struct {
	byName map[string]*models.Workflow
}

var _ interfaces.WorkflowStorage = (*memoryWorkflows)(nil)

func newMemoryWorkflows() *memoryWorkflows {
	return &memoryWorkflows{byName: make(map[string]*models.Workflow)}
}

func (m *memoryWorkflows) Save(ctx context.Context, workflow *models.Workflow) error {
	workflow.Normalize()
	if err := workflow.Validate(); err != nil {
		return err
	}
	clone := *workflow
	m.byName[workflow.Name] = &clone
	return nil
}

func (m *memoryWorkflows) Get(ctx context.Context, name string) (*models.Workflow, error) {
	if workflow, ok := m.byName[name]; ok {
		clone := *workflow
		return &clone, nil
	}
	return nil, models.Errorf(models.KindWorkflowNotFound, "test.get", "workflow %q not found", name)
}

func (m *memoryWorkflows) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	var all []*models.Workflow
	for _, workflow := range m.byName {
		clone := *workflow
		all = append(all, &clone)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (m *memoryWorkflows) Delete(ctx context.Context, name string) error {
	if _, ok := m.byName[name]; !ok {
		return models.Errorf(models.KindWorkflowNotFound, "test.delete", "workflow %q not found", name)
	}
	delete(m.byName, name)
	return nil
}

func (m *memoryWorkflows) Count(ctx context.Context) (int, error) {
	return len(m.byName), nil
}

func (m *memoryWorkflows) Exists(ctx context.Context, name string) (bool, error) {
	_, ok := m.byName[name]
	return ok, nil
}

type memoryCriteria struct {
	instances []models.CriteriaInstance
}

var _ interfaces.CriteriaStorage = (*memoryCriteria)(nil)

func (m *memoryCriteria) Save(ctx context.Context, instance *models.CriteriaInstance) error {
	m.instances = append(m.instances, *instance)
	return nil
}

func (m *memoryCriteria) Get(ctx context.Context, emailID string) (*models.CriteriaInstance, error) {
	for i := range m.instances {
		if m.instances[i].EmailID == emailID {
			return &m.instances[i], nil
		}
	}
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
	var kept []models.CriteriaInstance
	deleted := 0
	for _, instance := range m.instances {
		if instance.WorkflowName == workflowName {
			deleted++
			continue
		}
		kept = append(kept, instance)
	}
	m.instances = kept
	return deleted, nil
}

func testWorkflow(name string) *models.Workflow {
	return &models.Workflow{Name: name, Entity: "acme", Doctype: "receipt"}
}

func newTestRegistry() (*Registry, *memoryCriteria) {
	criteria := &memoryCriteria{}
	return NewRegistry(newMemoryWorkflows(), criteria, arbor.NewLogger()), criteria
}

func TestRegistry_AddAndUpdate(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, registry.Add(ctx, testWorkflow("acme-receipt")))

	err := registry.Add(ctx, testWorkflow("acme-receipt"))
	require.Error(t, err)
	assert.Equal(t, models.KindWorkflowConfig, models.KindOf(err))

	updated := testWorkflow("acme-receipt")
	updated.Description = "taxi and meal receipts"
	require.NoError(t, registry.Update(ctx, updated))

	got, err := registry.Get(ctx, "acme-receipt")
	require.NoError(t, err)
	assert.Equal(t, "taxi and meal receipts", got.Description)

	err = registry.Update(ctx, testWorkflow("never-added"))
	require.Error(t, err)
	assert.Equal(t, models.KindWorkflowNotFound, models.KindOf(err))
}

func TestRegistry_List(t *testing.T) {
	registry, _ := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, registry.Add(ctx, testWorkflow("b-receipt")))
	require.NoError(t, registry.Add(ctx, testWorkflow("a-receipt")))

	all, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a-receipt", all[0].Name)
	assert.Equal(t, "b-receipt", all[1].Name)
}

func TestRegistry_DeleteIfUnreferenced(t *testing.T) {
	registry, criteria := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, registry.Add(ctx, testWorkflow("acme-receipt")))
	require.NoError(t, criteria.Save(ctx, &models.CriteriaInstance{
		EmailID:      "mail-1",
		WorkflowName: "acme-receipt",
	}))

	err := registry.DeleteIfUnreferenced(ctx, "acme-receipt")
	require.Error(t, err)
	assert.Equal(t, models.KindWorkflowConfig, models.KindOf(err))
	assert.Contains(t, err.Error(), "training examples")

	_, err = criteria.DeleteByWorkflow(ctx, "acme-receipt")
	require.NoError(t, err)
	require.NoError(t, registry.DeleteIfUnreferenced(ctx, "acme-receipt"))

	_, err = registry.Get(ctx, "acme-receipt")
	assert.Equal(t, models.KindWorkflowNotFound, models.KindOf(err))
}

func TestRegistry_Purge(t *testing.T) {
	registry, criteria := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, registry.Add(ctx, testWorkflow("acme-receipt")))
	for _, id := range []string{"mail-1", "mail-2"} {
		require.NoError(t, criteria.Save(ctx, &models.CriteriaInstance{
			EmailID:      id,
			WorkflowName: "acme-receipt",
		}))
	}

	purged, err := registry.Purge(ctx, "acme-receipt")
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	_, err = registry.Get(ctx, "acme-receipt")
	assert.Equal(t, models.KindWorkflowNotFound, models.KindOf(err))

	_, err = registry.Purge(ctx, "acme-receipt")
	require.Error(t, err)
	assert.Equal(t, models.KindWorkflowNotFound, models.KindOf(err), "purging a missing workflow deletes nothing")
}

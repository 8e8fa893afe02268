package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// AsyncClassifyResult carries one ClassifyAsync completion.
type AsyncClassifyResult struct {
	Result *models.ClassifyResult
	Err    error
}

// ClassifierService is the hybrid similarity/advisor decision engine.
type ClassifierService interface {
	// Classify picks a workflow (or skip) for the item. The method tag
	// on the result records which path produced the answer.
	Classify(ctx context.Context, item *models.Item, opts models.ClassifyOptions) (*models.ClassifyResult, error)

	// ClassifyAsync runs Classify on a goroutine and delivers the result
	// on the returned channel. The channel is buffered and closed after
	// one send.
	ClassifyAsync(ctx context.Context, item *models.Item, opts models.ClassifyOptions) <-chan AsyncClassifyResult

	// RecordFeedback stores a training example binding the item's
	// features to the given workflow. userConfirmed marks explicit user
	// validation as opposed to automatic acceptance.
	RecordFeedback(ctx context.Context, item *models.Item, workflowName string, userConfirmed bool, confidence float64) error

	// Stats returns the running emit-path counters
	Stats() models.ClassifierStats
}

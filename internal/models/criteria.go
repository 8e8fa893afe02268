package models

import (
	"time"
)

// CriteriaInstance is one labelled training example: the feature vector
// of an item together with the workflow the user (or a trusted advisor
// decision) assigned it. Instances labelled SkipWorkflowName are
// validated negatives. Instances are never deleted by age.
type CriteriaInstance struct {
	EmailID         string    `json:"email_id"`
	WorkflowName    string    `json:"workflow_name" badgerhold:"index"`
	Timestamp       time.Time `json:"timestamp"`
	Features        Features  `json:"features"`
	UserConfirmed   bool      `json:"user_confirmed"`
	ConfidenceScore float64   `json:"confidence_score,omitempty"`
}

// IsNegative reports whether this instance trains the skip label.
func (c *CriteriaInstance) IsNegative() bool {
	return c.WorkflowName == SkipWorkflowName
}

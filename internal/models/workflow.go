package models

import (
	"fmt"
	"strings"
)

const (
	// MaxWorkflows caps the registry size.
	MaxWorkflows = 100

	// SkipWorkflowName is the reserved pseudo-workflow for user-validated
	// negative examples. It can be trained against but never archived to.
	SkipWorkflowName = "_skip"
)

// Archive target kinds for workflow handling.
const (
	ArchiveTargetDocs    = "docs"
	ArchiveTargetStreams = "streams"
)

// Workflow is a user-defined archival policy: a name mapped to an
// (entity, doctype) pair plus handling flags. The entity and doctype
// fields are authoritative; the "{entity}-{doctype}" naming convention
// is only a convention.
type Workflow struct {
	Name            string   `json:"name" toml:"name"`
	Description     string   `json:"description,omitempty" toml:"description"`
	Entity          string   `json:"entity" toml:"entity"`
	Doctype         string   `json:"doctype" toml:"doctype"`
	Handling        Handling `json:"handling" toml:"handling"`
	ClassifierHints []string `json:"classifier_hints,omitempty" toml:"classifier_hints"`
	Summary         string   `json:"summary,omitempty" toml:"summary"`
}

// Handling groups the archive and index policies of a workflow.
type Handling struct {
	Archive ArchiveHandling `json:"archive" toml:"archive"`
	Index   IndexHandling   `json:"index" toml:"index"`
}

// ArchiveHandling controls where matched documents land.
type ArchiveHandling struct {
	Target  string `json:"target" toml:"target"` // docs or streams
	Entity  string `json:"entity" toml:"entity"`
	Doctype string `json:"doctype" toml:"doctype"`
}

// IndexHandling controls index participation.
type IndexHandling struct {
	LLMemory bool `json:"llmemory" toml:"llmemory"`
}

// Validate checks name and entity patterns and handling consistency.
// A workflow whose handling disagrees with its own entity/doctype would
// break the archive filter invariant, so it is rejected here.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return Errorf(KindWorkflowConfig, "workflow.validate", "name is required")
	}
	if !ValidName(w.Name) {
		return Errorf(KindWorkflowConfig, "workflow.validate", "invalid name %q: must match ^[a-z0-9_-]+$", w.Name)
	}
	if w.Name == SkipWorkflowName {
		return Errorf(KindWorkflowConfig, "workflow.validate", "%q is reserved", SkipWorkflowName)
	}
	if !ValidName(w.Entity) {
		return Errorf(KindWorkflowConfig, "workflow.validate", "invalid entity %q", w.Entity)
	}
	if w.Doctype == "" || !ValidName(w.Doctype) {
		return Errorf(KindWorkflowConfig, "workflow.validate", "invalid doctype %q", w.Doctype)
	}
	switch w.Handling.Archive.Target {
	case "", ArchiveTargetDocs, ArchiveTargetStreams:
	default:
		return Errorf(KindWorkflowConfig, "workflow.validate", "unknown archive target %q", w.Handling.Archive.Target)
	}
	if w.Handling.Archive.Entity != "" && w.Handling.Archive.Entity != w.Entity {
		return Errorf(KindWorkflowConfig, "workflow.validate",
			"handling.archive.entity %q disagrees with entity %q", w.Handling.Archive.Entity, w.Entity)
	}
	if w.Handling.Archive.Doctype != "" && w.Handling.Archive.Doctype != w.Doctype {
		return Errorf(KindWorkflowConfig, "workflow.validate",
			"handling.archive.doctype %q disagrees with doctype %q", w.Handling.Archive.Doctype, w.Doctype)
	}
	return nil
}

// Normalize fills handling defaults from the authoritative fields.
func (w *Workflow) Normalize() {
	w.Name = strings.ToLower(strings.TrimSpace(w.Name))
	w.Entity = strings.ToLower(strings.TrimSpace(w.Entity))
	w.Doctype = strings.ToLower(strings.TrimSpace(w.Doctype))
	if w.Handling.Archive.Target == "" {
		w.Handling.Archive.Target = ArchiveTargetDocs
	}
	if w.Handling.Archive.Entity == "" {
		w.Handling.Archive.Entity = w.Entity
	}
	if w.Handling.Archive.Doctype == "" {
		w.Handling.Archive.Doctype = w.Doctype
	}
}

// DefaultWorkflowName derives the conventional "{entity}-{doctype}" name.
func DefaultWorkflowName(entity, doctype string) string {
	return fmt.Sprintf("%s-%s", entity, doctype)
}

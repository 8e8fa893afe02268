package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arca/internal/models"
)

// formatSearchHits formats search results as markdown
func formatSearchHits(query string, hits []models.SearchHit) string {
	var sb strings.Builder
	if query != "" {
		sb.WriteString(fmt.Sprintf("## Search Results for \"%s\" (%d results)\n\n", query, len(hits)))
	} else {
		sb.WriteString(fmt.Sprintf("## Newest Documents (%d results)\n\n", len(hits)))
	}

	if len(hits) == 0 {
		sb.WriteString("No results found.\n")
		return sb.String()
	}

	for i, hit := range hits {
		doc := hit.Document
		sb.WriteString(fmt.Sprintf("### %d. %s\n", i+1, doc.Filename))
		sb.WriteString(fmt.Sprintf("**Entity:** %s\n", doc.Entity))
		sb.WriteString(fmt.Sprintf("**Path:** %s\n", doc.RelPath))
		sb.WriteString(fmt.Sprintf("**Date:** %s\n", doc.Date.Format("2006-01-02")))
		sb.WriteString(fmt.Sprintf("**Source:** %s\n", doc.Source))
		if doc.Workflow != "" {
			sb.WriteString(fmt.Sprintf("**Workflow:** %s", doc.Workflow))
			if doc.Category != "" {
				sb.WriteString(fmt.Sprintf(" (%s)", doc.Category))
			}
			sb.WriteString("\n")
		}
		if hit.Snippet != "" {
			sb.WriteString(fmt.Sprintf("\n> %s\n", hit.Snippet))
		}
		sb.WriteString("\n---\n\n")
	}

	return sb.String()
}

// formatDocument formats a single document as markdown
func formatDocument(doc *models.IndexDocument, sidecar *models.Sidecar, text string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s\n\n", doc.Filename))
	sb.WriteString(fmt.Sprintf("**Entity:** %s\n", doc.Entity))
	sb.WriteString(fmt.Sprintf("**Path:** %s\n", doc.RelPath))
	sb.WriteString(fmt.Sprintf("**Date:** %s\n", doc.Date.Format("2006-01-02")))
	sb.WriteString(fmt.Sprintf("**Source:** %s\n", doc.Source))
	if doc.Workflow != "" {
		sb.WriteString(fmt.Sprintf("**Workflow:** %s (confidence %.2f)\n", doc.Workflow, doc.Confidence))
	}
	sb.WriteString(fmt.Sprintf("**Hash:** %s\n", doc.Hash))
	sb.WriteString(fmt.Sprintf("**Size:** %d bytes\n", doc.Size))
	if sidecar != nil {
		sb.WriteString(fmt.Sprintf("**Archived:** %s\n", sidecar.CreatedAt.Format(time.RFC3339)))
		if len(sidecar.Tags) > 0 {
			sb.WriteString(fmt.Sprintf("**Tags:** %s\n", strings.Join(sidecar.Tags, ", ")))
		}
	}
	sb.WriteString("\n")

	if text != "" {
		sb.WriteString("## Content\n\n")
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	if doc.StructuredJSON != "" && doc.StructuredJSON != "{}" {
		sb.WriteString("## Structured Data\n\n```json\n")
		sb.WriteString(doc.StructuredJSON)
		sb.WriteString("\n```\n\n")
	}

	if sidecar != nil && len(sidecar.Origin) > 0 {
		originJSON, _ := json.MarshalIndent(sidecar.Origin, "", "  ")
		sb.WriteString("## Origin\n\n```json\n")
		sb.WriteString(string(originJSON))
		sb.WriteString("\n```\n")
	}

	return sb.String()
}

// formatWorkflows formats the workflow catalogue as markdown
func formatWorkflows(workflows []*models.Workflow) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Workflows (%d)\n\n", len(workflows)))

	if len(workflows) == 0 {
		sb.WriteString("No workflows configured.\n")
		return sb.String()
	}

	for _, w := range workflows {
		sb.WriteString(fmt.Sprintf("### %s\n", w.Name))
		if w.Description != "" {
			sb.WriteString(w.Description + "\n")
		}
		sb.WriteString(fmt.Sprintf("**Routes to:** %s/%s/%s\n",
			w.Handling.Archive.Entity, w.Handling.Archive.Target, w.Handling.Archive.Doctype))
		if w.Handling.Index.LLMemory {
			sb.WriteString("**Indexed for search:** yes\n")
		}
		if len(w.ClassifierHints) > 0 {
			sb.WriteString(fmt.Sprintf("**Hints:** %s\n", strings.Join(w.ClassifierHints, "; ")))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

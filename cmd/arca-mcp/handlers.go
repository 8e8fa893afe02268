package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// contentTextCap bounds how much document text one tool call returns.
const contentTextCap = 50_000

// handleArchiveSearch implements the archive_search tool
func handleArchiveSearch(index interfaces.IndexStorage, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// Parse limit (default: 10, max: 100)
		limit := request.GetInt("limit", 10)
		if limit > 100 {
			limit = 100
		}

		opts := models.SearchOptions{
			Query:    request.GetString("query", ""),
			Entity:   request.GetString("entity", ""),
			Source:   request.GetString("source", ""),
			Workflow: request.GetString("workflow", ""),
			Category: request.GetString("category", ""),
			Limit:    limit,
		}

		hits, err := index.Search(ctx, opts)
		if err != nil {
			logger.Error().Err(err).Msg("Search failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(fmt.Sprintf("Search error: %v", err)),
				},
			}, nil
		}

		markdown := formatSearchHits(opts.Query, hits)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(markdown),
			},
		}, nil
	}
}

// handleGetDocument implements the get_document tool
func handleGetDocument(config *common.Config, index interfaces.IndexStorage, extractor interfaces.PDFExtractor, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entity, err := request.RequireString("entity")
		if err != nil || entity == "" {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("Error: entity parameter is required"),
				},
			}, nil
		}
		relPath, err := request.RequireString("path")
		if err != nil || relPath == "" {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("Error: path parameter is required"),
				},
			}, nil
		}

		doc, err := index.GetDocument(ctx, entity, relPath)
		if err != nil {
			logger.Error().Err(err).Str("entity", entity).Str("path", relPath).Msg("GetDocument failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(fmt.Sprintf("Document not found: %v", err)),
				},
			}, nil
		}

		sidecar := loadSidecar(config.Archive.BasePath, relPath, logger)
		text := contentText(ctx, config.Archive.BasePath, sidecar, extractor, logger)

		markdown := formatDocument(doc, sidecar, text)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(markdown),
			},
		}, nil
	}
}

// handleListWorkflows implements the list_workflows tool
func handleListWorkflows(workflows interfaces.WorkflowRegistry, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := workflows.List(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Workflow list failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(fmt.Sprintf("Workflow list error: %v", err)),
				},
			}, nil
		}

		markdown := formatWorkflows(list)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(markdown),
			},
		}, nil
	}
}

// loadSidecar reads the sidecar behind an index row. Best effort: a
// missing or malformed sidecar degrades the response to index fields.
func loadSidecar(base, relPath string, logger arbor.ILogger) *models.Sidecar {
	raw, err := os.ReadFile(filepath.Join(base, filepath.FromSlash(relPath)))
	if err != nil {
		logger.Warn().Err(err).Str("path", relPath).Msg("Sidecar read failed")
		return nil
	}
	sidecar, err := models.ParseSidecar(raw)
	if err != nil {
		logger.Warn().Err(err).Str("path", relPath).Msg("Sidecar parse failed")
		return nil
	}
	return sidecar
}

// contentText pulls readable text out of the archived content file:
// PDF extraction for PDFs, raw bytes for text types, nothing for the
// rest.
func contentText(ctx context.Context, base string, sidecar *models.Sidecar, extractor interfaces.PDFExtractor, logger arbor.ILogger) string {
	if sidecar == nil {
		return ""
	}
	absPath := filepath.Join(base, sidecar.Entity, filepath.FromSlash(sidecar.Content.Path))

	var text string
	switch {
	case sidecar.Content.Mimetype == "application/pdf":
		if extractor == nil {
			return ""
		}
		extracted, err := extractor.ExtractText(ctx, absPath)
		if err != nil {
			logger.Debug().Err(err).Str("path", sidecar.Content.Path).Msg("PDF text extraction failed")
			return ""
		}
		text = extracted

	case strings.HasPrefix(sidecar.Content.Mimetype, "text/"), sidecar.Content.Mimetype == "application/json":
		raw, err := os.ReadFile(absPath)
		if err != nil {
			return ""
		}
		text = string(raw)
	}

	if len(text) > contentTextCap {
		text = text[:contentTextCap] + "\n... (truncated)"
	}
	return text
}

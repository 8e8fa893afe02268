package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// createArchiveSearchTool returns the archive_search tool definition
func createArchiveSearchTool() mcp.Tool {
	return mcp.NewTool("archive_search",
		mcp.WithDescription("Search the document archive using full-text search (SQLite FTS5)"),
		mcp.WithString("query",
			mcp.Description("Search query (FTS5 syntax: quoted phrases, AND, OR). Empty lists newest documents"),
		),
		mcp.WithString("entity",
			mcp.Description("Filter by owning entity (e.g. personal)"),
		),
		mcp.WithString("source",
			mcp.Description("Filter by source: mail, localdocs, slack, gdocs, other"),
		),
		mcp.WithString("workflow",
			mcp.Description("Filter by the workflow that archived the document"),
		),
		mcp.WithString("category",
			mcp.Description("Filter by workflow category"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results to return (default: 10, max: 100)"),
		),
	)
}

// createGetDocumentTool returns the get_document tool definition
func createGetDocumentTool() mcp.Tool {
	return mcp.NewTool("get_document",
		mcp.WithDescription("Retrieve one archived document's metadata and text content"),
		mcp.WithString("entity",
			mcp.Required(),
			mcp.Description("Entity the document belongs to"),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Document path relative to the archive base, as returned by archive_search"),
		),
	)
}

// createListWorkflowsTool returns the list_workflows tool definition
func createListWorkflowsTool() mcp.Tool {
	return mcp.NewTool("list_workflows",
		mcp.WithDescription("List the configured classification workflows with their routing targets"),
	)
}

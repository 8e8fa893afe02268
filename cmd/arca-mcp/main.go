package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/services/pdf"
	"github.com/ternarybob/arca/internal/services/workflow"
	"github.com/ternarybob/arca/internal/storage"
)

func main() {
	// Load configuration
	configPath := os.Getenv("ARCA_CONFIG")
	if configPath == "" {
		configPath = "arca.toml"
	}

	// KV replacement wants storage, which is not open yet; the MCP
	// server reads no secrets, so plain file loading is enough.
	config, err := common.LoadFromFile(nil, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Minimal logging to avoid cluttering MCP stdio
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn")

	// Initialize storage
	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer storageManager.Close()

	workflows := workflow.NewRegistry(storageManager.WorkflowStorage(), storageManager.CriteriaStorage(), logger)
	extractor := pdf.NewExtractor(logger)

	// Create MCP server
	mcpServer := server.NewMCPServer(
		"arca",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	// Register archive tools
	mcpServer.AddTool(createArchiveSearchTool(), handleArchiveSearch(storageManager.IndexStorage(), logger))
	mcpServer.AddTool(createGetDocumentTool(), handleGetDocument(config, storageManager.IndexStorage(), extractor, logger))
	mcpServer.AddTool(createListWorkflowsTool(), handleListWorkflows(workflows, logger))

	// Start server (blocks on stdio)
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}

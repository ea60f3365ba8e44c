// Package mcp provides a Model Context Protocol server for evolve.
//
// It exposes the migration engine over stdio as three tools: reading the
// canonical schema text of a database file, diffing it against a desired DDL
// script, and applying an in-place migration. A schema resource is published
// when the server is configured with a default database path.
package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/hurttlocker/evolve"
	"github.com/hurttlocker/evolve/internal/catalog"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	DBPath     string // default database for tools that omit db_path
	SchemaPath string // default DDL script for tools that omit ddl
	Version    string // version string for MCP server info
	Log        logrus.FieldLogger
}

// dbMu serializes tool calls. The mcp-go library dispatches handlers
// concurrently via goroutines, and a migration must own its database file
// exclusively while it runs.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all evolve tools.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	if cfg.Log == nil {
		l := logrus.New()
		l.SetOutput(os.Stderr)
		cfg.Log = l
	}

	s := server.NewMCPServer(
		"evolve",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerSchemaTool(s, cfg)
	registerDiffTool(s, cfg)
	registerApplyTool(s, cfg)

	if cfg.DBPath != "" {
		registerSchemaResource(s, cfg)
	}

	return s
}

// diffReport is the structured result of a schema comparison.
type diffReport struct {
	Identical      bool   `json:"identical"`
	CurrentSchema  string `json:"current_schema"`
	RequiredSchema string `json:"required_schema"`
}

func registerSchemaTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("evolve_schema",
		mcp.WithDescription("Read the canonical schema text of a SQLite database file: every table, index, trigger, and view with its defining SQL, in deterministic catalog order."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("db_path",
			mcp.Description("Path to the database file (defaults to the configured database)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		path, errResult := resolveDBPath(req, cfg)
		if errResult != nil {
			return errResult, nil
		}

		text, err := readSchemaFile(ctx, path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schema error: %v", err)), nil
		}
		return mcp.NewToolResultText(text), nil
	})
}

func registerDiffTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("evolve_diff",
		mcp.WithDescription("Compare a database file's schema against a desired DDL script. Reports whether a migration would run, plus both canonical schema texts."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("db_path",
			mcp.Description("Path to the database file (defaults to the configured database)"),
		),
		mcp.WithString("ddl",
			mcp.Description("DDL script producing the desired schema (defaults to the configured schema script)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		path, errResult := resolveDBPath(req, cfg)
		if errResult != nil {
			return errResult, nil
		}
		ddl, errResult := resolveDDL(req, cfg)
		if errResult != nil {
			return errResult, nil
		}

		report, err := diffSchemas(ctx, path, ddl)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("diff error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(report, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerApplyTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("evolve_apply",
		mcp.WithDescription("Migrate a SQLite database file in place so its schema matches a desired DDL script, preserving data by column-name intersection. No-op when the schemas already match."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("db_path",
			mcp.Description("Path to the database file (defaults to the configured database)"),
		),
		mcp.WithString("ddl",
			mcp.Description("DDL script producing the desired schema (defaults to the configured schema script)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		path, errResult := resolveDBPath(req, cfg)
		if errResult != nil {
			return errResult, nil
		}
		ddl, errResult := resolveDDL(req, cfg)
		if errResult != nil {
			return errResult, nil
		}

		report, err := diffSchemas(ctx, path, ddl)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("apply error: %v", err)), nil
		}
		if report.Identical {
			return mcp.NewToolResultText("schema already up to date, nothing to do"), nil
		}

		db, err := evolve.Open(ctx, path, evolve.Script(ddl), evolve.WithLogger(cfg.Log))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("apply error: %v", err)), nil
		}
		db.Close()
		return mcp.NewToolResultText(fmt.Sprintf("migrated %s to the desired schema", path)), nil
	})
}

func registerSchemaResource(s *server.MCPServer, cfg ServerConfig) {
	resource := mcp.NewResource(
		"evolve://schema",
		"Database schema",
		mcp.WithResourceDescription("Canonical schema text of the configured database"),
		mcp.WithMIMEType("text/plain"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		text, err := readSchemaFile(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("reading schema of %s: %w", cfg.DBPath, err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: text},
		}, nil
	})
}

func resolveDBPath(req mcp.CallToolRequest, cfg ServerConfig) (string, *mcp.CallToolResult) {
	if p, err := req.RequireString("db_path"); err == nil && strings.TrimSpace(p) != "" {
		return strings.TrimSpace(p), nil
	}
	if cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	return "", mcp.NewToolResultError("db_path is required (no default database configured)")
}

func resolveDDL(req mcp.CallToolRequest, cfg ServerConfig) (string, *mcp.CallToolResult) {
	if d, err := req.RequireString("ddl"); err == nil && strings.TrimSpace(d) != "" {
		return d, nil
	}
	if cfg.SchemaPath != "" {
		b, err := os.ReadFile(cfg.SchemaPath)
		if err != nil {
			return "", mcp.NewToolResultError(fmt.Sprintf("reading schema script: %v", err))
		}
		return string(b), nil
	}
	return "", mcp.NewToolResultError("ddl is required (no default schema script configured)")
}

func readSchemaFile(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	return catalog.ReadSchema(ctx, db)
}

func diffSchemas(ctx context.Context, path, ddl string) (*diffReport, error) {
	current, err := readSchemaFile(ctx, path)
	if err != nil {
		return nil, err
	}
	required, err := evolve.RequiredSchema(ctx, evolve.Script(ddl))
	if err != nil {
		return nil, err
	}
	return &diffReport{
		Identical:      current == required,
		CurrentSchema:  current,
		RequiredSchema: required,
	}, nil
}

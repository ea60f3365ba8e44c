package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/hurttlocker/evolve"
	"github.com/hurttlocker/evolve/internal/catalog"
	"github.com/hurttlocker/evolve/internal/config"
	evolvemcp "github.com/hurttlocker/evolve/internal/mcp"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "schema":
		if err := runSchema(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "diff":
		if err := runDiff(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "apply":
		if err := runApply(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Printf("evolve %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// cliArgs holds flags and positionals shared by all subcommands.
type cliArgs struct {
	configPath string
	logLevel   string
	positional []string
}

func parseArgs(args []string) (cliArgs, error) {
	var out cliArgs
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config":
			if i+1 >= len(args) {
				return out, fmt.Errorf("--config requires a value")
			}
			i++
			out.configPath = args[i]
		case arg == "--log-level":
			if i+1 >= len(args) {
				return out, fmt.Errorf("--log-level requires a value")
			}
			i++
			out.logLevel = args[i]
		case strings.HasPrefix(arg, "-"):
			return out, fmt.Errorf("unknown flag: %s", arg)
		default:
			out.positional = append(out.positional, arg)
		}
	}
	return out, nil
}

// resolve merges flags, environment, and the config file. Positionals win:
// the first is the database path, the second the schema script.
func resolve(cli cliArgs) (config.ResolvedConfig, error) {
	opts := config.ResolveOptions{
		ConfigPath: cli.configPath,
		CLILog:     cli.logLevel,
	}
	if len(cli.positional) > 0 {
		opts.CLIDBPath = cli.positional[0]
	}
	if len(cli.positional) > 1 {
		opts.CLISchema = cli.positional[1]
	}
	return config.ResolveConfig(opts)
}

func newLogger(cfg config.ResolvedConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if cfg.LogLevel.Value != "" {
		if level, err := logrus.ParseLevel(cfg.LogLevel.Value); err == nil {
			log.SetLevel(level)
		}
	}
	return log
}

func runSchema(args []string) error {
	cli, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(cli)
	if err != nil {
		return err
	}
	if cfg.DBPath.Value == "" {
		return fmt.Errorf("usage: evolve schema <db> [--config <file>]")
	}

	text, err := readSchemaFile(context.Background(), cfg.DBPath.Value)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

func runDiff(args []string) error {
	cli, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(cli)
	if err != nil {
		return err
	}
	if cfg.DBPath.Value == "" || cfg.SchemaPath.Value == "" {
		return fmt.Errorf("usage: evolve diff <db> <schema.sql> [--config <file>]")
	}

	ctx := context.Background()
	current, err := readSchemaFile(ctx, cfg.DBPath.Value)
	if err != nil {
		return err
	}
	required, err := requiredFromScript(ctx, cfg.SchemaPath.Value)
	if err != nil {
		return err
	}

	if current == required {
		fmt.Printf("%s: schema up to date\n", cfg.DBPath.Value)
		return nil
	}
	fmt.Printf("%s: schema differs, migration needed\n\n", cfg.DBPath.Value)
	fmt.Println("--- current schema ---")
	fmt.Print(current)
	fmt.Println("--- required schema ---")
	fmt.Print(required)
	return nil
}

func runApply(args []string) error {
	cli, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(cli)
	if err != nil {
		return err
	}
	if cfg.DBPath.Value == "" || cfg.SchemaPath.Value == "" {
		return fmt.Errorf("usage: evolve apply <db> <schema.sql> [--config <file>]")
	}

	ddl, err := os.ReadFile(cfg.SchemaPath.Value)
	if err != nil {
		return fmt.Errorf("reading schema script: %w", err)
	}

	ctx := context.Background()
	db, err := evolve.Open(ctx, cfg.DBPath.Value, evolve.Script(string(ddl)),
		evolve.WithLogger(newLogger(cfg)))
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Printf("%s: schema is now current\n", cfg.DBPath.Value)
	return nil
}

func runServe(args []string) error {
	cli, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(cli)
	if err != nil {
		return err
	}

	s := evolvemcp.NewServer(evolvemcp.ServerConfig{
		DBPath:     cfg.DBPath.Value,
		SchemaPath: cfg.SchemaPath.Value,
		Version:    version,
		Log:        newLogger(cfg),
	})
	return server.ServeStdio(s)
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

func requiredFromScript(ctx context.Context, path string) (string, error) {
	ddl, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading schema script: %w", err)
	}
	return evolve.RequiredSchema(ctx, evolve.Script(string(ddl)))
}

func printUsage() {
	fmt.Println(`evolve: automatic schema migration for embedded SQLite files

Usage:
  evolve schema <db>              Print the canonical schema text
  evolve diff <db> <schema.sql>   Compare live schema with a DDL script
  evolve apply <db> <schema.sql>  Migrate the file to the script's schema
  evolve serve                    Run the MCP server on stdio
  evolve version                  Print version

Flags:
  --config <file>      Config file (default ~/.evolve/config.yaml)
  --log-level <level>  trace|debug|info|warn|error (default info)

Database path and schema script may also come from the config file
(db_path, schema_path) or environment (EVOLVE_DB, EVOLVE_SCHEMA).`)
}

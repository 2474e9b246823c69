package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BHPAV/Runner/internal/config"
	"github.com/BHPAV/Runner/internal/graph"
	"github.com/BHPAV/Runner/internal/rpc"
	"github.com/BHPAV/Runner/internal/stack"
	"github.com/BHPAV/Runner/internal/storage"
	"github.com/BHPAV/Runner/internal/storage/sqlite"
	"github.com/BHPAV/Runner/internal/surface"
)

// rootCtx is cancelled on SIGINT/SIGTERM; every command uses it.
var rootCtx context.Context

var rootCmd = &cobra.Command{
	Use:   "runner",
	Short: "Task runner with LIFO execution stacks and a graph-backed request queue",
	Long: `runner executes catalog tasks as subprocesses, either one-off through the
task queue or as execution stacks where tasks push follow-up work that runs
LIFO while an accumulated context threads through every step.

Requests enter through 'runner submit' (or the daemon's unix socket), are
claimed atomically by processors, and settle with a durable result reference.
Cascade rules turn committed source artifacts into new requests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		// Explicit flags win over config file and environment.
		for _, key := range []string{"json", "db", "graph-db"} {
			if cmd.Flags().Changed(key) {
				switch key {
				case "json":
					v, _ := cmd.Flags().GetBool(key)
					config.Set(key, v)
				default:
					v, _ := cmd.Flags().GetString(key)
					config.Set(key, v)
				}
			}
		}
		return nil
	},
}

// Execute runs the root command with signal-aware context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx
	rpc.ServerVersion = Version
	rpc.ClientVersion = Version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates rejected input (1) from backend failures (2) so
// scripts can tell a bad request from a broken runner.
func exitCode(err error) int {
	rejections := []error{
		graph.ErrInvalidPriority,
		graph.ErrUnknownDependency,
		graph.ErrDependencyCycle,
		graph.ErrNotCancellable,
		graph.ErrRequestNotFound,
		graph.ErrRuleNotFound,
		graph.ErrTaskDisabled,
		stack.ErrTaskDisabled,
		stack.ErrKillSwitch,
		storage.ErrTaskNotFound,
		storage.ErrStackNotFound,
		surface.ErrNotFinished,
	}
	for _, sentinel := range rejections {
		if errors.Is(err, sentinel) {
			return 1
		}
	}
	return 2
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().String("db", "", "Task database path (default <workspace>/.runner/tasks.db)")
	rootCmd.PersistentFlags().String("graph-db", "", "Request graph database path (default <workspace>/.runner/graph.db)")
}

// workspaceRoot finds the enclosing workspace, defaulting to the CWD.
func workspaceRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return config.FindWorkspaceRoot(cwd)
}

// stores bundles the open databases for one command invocation.
type stores struct {
	Root  string
	Store *sqlite.Store
	Graph *graph.Store
}

func (s *stores) Service() *surface.Service {
	return surface.New(s.Store, s.Graph)
}

// openStores opens the task and graph databases for the current workspace.
// The caller must invoke the returned cleanup.
func openStores(ctx context.Context) (*stores, func(), error) {
	root := workspaceRoot()
	if err := os.MkdirAll(config.WorkspaceDir(root), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create workspace dir: %w", err)
	}
	store, err := sqlite.New(ctx, config.DBPath(root))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open task database: %w", err)
	}
	g, err := graph.New(ctx, config.GraphDBPath(root), store)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	cleanup := func() {
		_ = g.Close()
		_ = store.Close()
	}
	return &stores{Root: root, Store: store, Graph: g}, cleanup, nil
}

// callDaemon routes an operation through a running daemon. handled is false
// when no daemon is listening, in which case the command falls back to
// direct database access.
func callDaemon(operation string, args any, out any) (handled bool, err error) {
	client, err := rpc.TryConnect(rpc.ShortSocketPath(workspaceRoot()))
	if err != nil || client == nil {
		return false, err
	}
	defer client.Close()
	client.SetRequester(defaultRequester())
	return true, client.Call(operation, args, out)
}

func defaultRequester() string {
	if user := os.Getenv("USER"); user != "" {
		return "cli:" + user
	}
	host, err := os.Hostname()
	if err != nil {
		return "cli"
	}
	return "cli:" + host
}

func jsonOutput() bool {
	return config.GetBool("json")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseParamFlags merges a --params JSON object with repeated --param k=v
// pairs. Pair values that parse as JSON keep their type, anything else is a
// string.
func parseParamFlags(paramsJSON string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return nil, fmt.Errorf("invalid --params JSON: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

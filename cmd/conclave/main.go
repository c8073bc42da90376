package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/conclave/client"
	"github.com/mistakeknot/conclave/internal/agent"
	"github.com/mistakeknot/conclave/internal/auth"
	"github.com/mistakeknot/conclave/internal/broker"
	"github.com/mistakeknot/conclave/internal/core"
	httpapi "github.com/mistakeknot/conclave/internal/http"
	"github.com/mistakeknot/conclave/internal/journal"
	"github.com/mistakeknot/conclave/internal/server"
	"github.com/mistakeknot/conclave/internal/storage/sqlite"
	"github.com/mistakeknot/conclave/internal/ws"
	"github.com/mistakeknot/conclave/pkg/embedded"
)

func main() {
	root := &cobra.Command{
		Use:   "conclave",
		Short: "Task coordination server for multi-agent development crews",
	}
	root.AddCommand(serveCmd(), agentCmd(), initCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".conclave")
}

func serveCmd() *cobra.Command {
	var (
		addr       string
		dbPath     string
		socketPath string
		rework     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.New(dbPath)
			if err != nil {
				return fmt.Errorf("store init: %w", err)
			}
			defer store.Close()

			keyring, err := auth.LoadKeyringFromEnv()
			if err != nil {
				return fmt.Errorf("auth init: %w", err)
			}

			policy := core.DefaultPolicy()
			policy.Rework = core.ReworkTarget(rework)
			if !policy.Rework.Valid() {
				return fmt.Errorf("unknown rework target %q", rework)
			}

			hub := ws.NewHub()
			svc := httpapi.NewServiceWithPolicy(sqlite.NewResilient(store), policy).WithBroadcaster(hub)
			router := httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(keyring))

			srv, err := server.New(server.Config{Addr: addr, SocketPath: socketPath, Handler: router})
			if err != nil {
				return fmt.Errorf("server init: %w", err)
			}
			if err := srv.Listen(); err != nil {
				return err
			}
			log.Printf("conclave listening on %s", srv.Addr())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			done := make(chan error, 1)
			go func() { done <- srv.Start() }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":7341", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", filepath.Join(defaultDir(), "data.db"), "sqlite database path")
	cmd.Flags().StringVar(&socketPath, "socket", "", "optional unix socket path")
	cmd.Flags().StringVar(&rework, "rework", string(core.TaskCreated), "where testing rejections go: created or pending")
	return cmd
}

// embeddedLauncher starts an in-process server on demand for the broker.
type embeddedLauncher struct {
	dbPath string
	srv    *embedded.Server
}

func (l *embeddedLauncher) Start(ctx context.Context) (int, string, error) {
	srv, err := embedded.New(embedded.Config{DBPath: l.dbPath, Port: 0})
	if err != nil {
		return 0, "", err
	}
	if err := srv.Start(); err != nil {
		return 0, "", err
	}
	l.srv = srv
	return os.Getpid(), srv.Addr(), nil
}

func (l *embeddedLauncher) Stop(pid int) error {
	if l.srv == nil {
		return nil
	}
	return l.srv.Stop()
}

func agentCmd() *cobra.Command {
	var (
		serverURL  string
		agentID    string
		role       string
		level      string
		execCmd    string
		journalDir string
		registry   string
		apiKey     string
		wait       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a worker agent against a coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--id is required")
			}
			if execCmd == "" {
				return fmt.Errorf("--exec is required")
			}
			if !core.Role(role).Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			if !core.SkillLevel(level).Valid() {
				return fmt.Errorf("unknown skill level %q", level)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Without an explicit server, agents on the same host share
			// one through the broker registry: the first one starts it,
			// the last one out stops it.
			if serverURL == "" {
				reg := broker.NewRegistry(registry)
				launcher := &embeddedLauncher{dbPath: filepath.Join(defaultDir(), "data.db")}
				b := broker.New(reg, launcher, 5*time.Second, 30*time.Second)
				addr, started, err := b.Acquire(ctx, agentID)
				if err != nil {
					return fmt.Errorf("acquire shared server: %w", err)
				}
				if started {
					log.Printf("started shared server at %s", addr)
				}
				b.Start(ctx)
				defer func() {
					b.Stop()
					if err := b.Release(context.Background(), agentID); err != nil {
						log.Printf("release shared server: %v", err)
					}
				}()
				go func() {
					ticker := time.NewTicker(10 * time.Second)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
							if err := b.Heartbeat(agentID); err != nil {
								log.Printf("broker heartbeat: %v", err)
							}
						}
					}
				}()
				serverURL = "http://" + addr
			}

			opts := []client.Option{client.WithAgentID(agentID)}
			if apiKey != "" {
				opts = append(opts, client.WithAPIKey(apiKey))
			}
			c := client.New(serverURL, opts...)
			if _, err := c.RegisterAgent(ctx, client.RegisterRequest{
				AgentID: agentID, Role: role, SkillLevel: level, Connection: string(core.ConnectionClient),
			}); err != nil {
				return fmt.Errorf("register: %w", err)
			}

			runner := agent.NewRunner(c, journal.New(journalDir, agentID), shellExecutor(execCmd), agent.Config{
				AgentID:    agentID,
				Role:       core.Role(role),
				Level:      core.SkillLevel(level),
				WaitWindow: wait,
			})
			return runner.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (empty = shared local server via broker)")
	cmd.Flags().StringVar(&agentID, "id", "", "agent identifier")
	cmd.Flags().StringVar(&role, "role", "backend_dev", "agent role")
	cmd.Flags().StringVar(&level, "level", "junior", "agent skill level")
	cmd.Flags().StringVar(&execCmd, "exec", "", "shell command run for each claimed task")
	cmd.Flags().StringVar(&journalDir, "journal-dir", filepath.Join(defaultDir(), "journal"), "recovery journal directory")
	cmd.Flags().StringVar(&registry, "registry", filepath.Join(defaultDir(), "registry.json"), "shared server registry path")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("CONCLAVE_API_KEY"), "API key for remote servers")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "long-poll window per work request")
	return cmd
}

// shellExecutor runs the configured command once per task, with the task
// exposed through the environment. A zero exit means dev_done.
func shellExecutor(command string) agent.Executor {
	return agent.ExecutorFunc(func(ctx context.Context, task core.Task) (agent.Result, error) {
		run := exec.CommandContext(ctx, "sh", "-c", command)
		run.Stdout = os.Stdout
		run.Stderr = os.Stderr
		run.Env = append(os.Environ(),
			"CONCLAVE_TASK_ID="+task.ID,
			"CONCLAVE_TASK_TITLE="+task.Title,
			"CONCLAVE_TASK_DESCRIPTION="+task.Description,
			"CONCLAVE_TASK_ROLE="+string(task.TargetRole),
		)
		if err := run.Run(); err != nil {
			return agent.Result{}, fmt.Errorf("task command: %w", err)
		}
		return agent.Result{Status: core.TaskDevDone}, nil
	})
}

func initCmd() *cobra.Command {
	var (
		agentID  string
		keysFile string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap a dev API key for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := auth.BootstrapDevKey(keysFile, agentID)
			if err != nil {
				return err
			}
			if !res.Created {
				fmt.Fprintf(cmd.OutOrStdout(), "keys file %s already exists, left untouched\n", res.KeysFile)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nagent:  %s\napi key: %s\n", res.KeysFile, res.AgentID, res.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "dev-1", "agent ID to issue the key for")
	cmd.Flags().StringVar(&keysFile, "keys-file", auth.ResolveKeysPath(), "keys file path")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionctl/internal/config"
	"missionctl/internal/db"
	"missionctl/internal/domain"
	"missionctl/internal/engine"
	"missionctl/internal/migrate"
	"missionctl/internal/repo"
	"missionctl/internal/server"
	missionctlsdk "missionctl/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "mc",
	Short: "Mission Control CLI",
	Long: `Mission Control schedules agent missions from approved proposals.
Core concepts:
- Proposal: an agent's pitch for work, with an ordered list of step kinds.
- Mission: materialized from an approved proposal; one step per kind.
- Step: the unit workers claim and execute; steps run strictly in order
  and each step's input carries previous sibling outputs.
- Event log: shared append-only log, view with 'mc log tail'.
- Policies and quotas: runtime knobs like daily proposal limits.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-user", "agent identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(quotaCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show proposal, mission, and step counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				proposals, err := e.Repo.CountProposalsByStatus(ctx)
				if err != nil {
					return err
				}
				missions, err := e.Repo.CountMissionsByStatus(ctx)
				if err != nil {
					return err
				}
				steps, err := e.Repo.CountStepsByStatus(ctx)
				if err != nil {
					return err
				}
				version, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				out := map[string]any{
					"schema_version": version,
					"proposals":      proposals,
					"missions":       missions,
					"steps":          steps,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Schema version: %d\n", version)
				for _, section := range []struct {
					name   string
					counts map[string]int
				}{{"Proposals", proposals}, {"Missions", missions}, {"Steps", steps}} {
					fmt.Printf("%s:\n", section.name)
					if len(section.counts) == 0 {
						fmt.Println("  none")
						continue
					}
					for status, c := range section.counts {
						fmt.Printf("  %s: %d\n", status, c)
					}
				}
				return nil
			})
		},
	}
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Manage proposals",
		Long:  "Proposals are pitches for missions. They flow pending -> accepted (mission created) or pending -> rejected, and decisions are final.",
	}
	p.AddCommand(proposalCreateCmd())
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalApproveCmd())
	p.AddCommand(proposalRejectCmd())
	return p
}

func proposalCreateCmd() *cobra.Command {
	var title, description string
	var stepKinds []string
	var metadataJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var metadata map[string]any
				if metadataJSON != "" {
					if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
						return fmt.Errorf("invalid --metadata json: %w", err)
					}
				}
				p, err := e.CreateProposal(ctx, engine.ProposalCreateOptions{
					AgentID:     viper.GetString("agent-id"),
					Title:       title,
					Description: description,
					StepKinds:   stepKinds,
					Metadata:    metadata,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "proposal title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringSliceVar(&stepKinds, "step", nil, "step kind (repeatable, ordered)")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "metadata as JSON object")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Title", "Steps", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.AgentID, p.Title, strings.Join(p.StepKinds, ","), p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func proposalApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve proposal and create its mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ApproveProposal(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RejectProposal(ctx, args[0], reason, viper.GetString("agent-id")); err != nil {
					return err
				}
				p, err := e.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions run their steps strictly in order. They flow pending -> running -> succeeded/failed, or cancelled by an operator.",
	}
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionCancelCmd())
	return m
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMissionsWithProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Started", "Finished"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Proposal.Title, m.Status, derefString(m.StartedAt), derefString(m.FinishedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMissionWithProposal(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := e.Repo.ListMissionSteps(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"mission": m, "steps": steps}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Mission: %s (%s)\n", m.ID, m.Status)
				fmt.Printf("Proposal: %s by %s\n", m.Proposal.Title, m.Proposal.AgentID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Error"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.ID, s.StepKind, s.Status, derefString(s.LastError)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func missionCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CancelMission(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func stepCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "step",
		Short: "Claim and complete steps",
	}
	s.AddCommand(stepClaimCmd())
	s.AddCommand(stepSucceedCmd())
	s.AddCommand(stepFailCmd())
	s.AddCommand(stepShowCmd())
	return s
}

func stepClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next eligible step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				step, err := e.ClaimNextStep(ctx, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				if step == nil {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"step": nil})
					}
					fmt.Println("no claimable step")
					return nil
				}
				return printJSONOrTable(step)
			})
		},
	}
	return cmd
}

func stepSucceedCmd() *cobra.Command {
	var outputJSON string
	cmd := &cobra.Command{
		Use:   "succeed <id>",
		Short: "Mark step succeeded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid step id %q", args[0])
			}
			var output map[string]any
			if outputJSON != "" {
				if err := json.Unmarshal([]byte(outputJSON), &output); err != nil {
					return fmt.Errorf("invalid --output json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.MarkStepSucceeded(ctx, id, output); err != nil {
					return err
				}
				s, err := e.Repo.GetStep(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&outputJSON, "output", "", "step output as JSON object")
	return cmd
}

func stepFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark step failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid step id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.MarkStepFailed(ctx, id, reason); err != nil {
					return err
				}
				s, err := e.Repo.GetStep(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "error", "", "failure reason")
	_ = cmd.MarkFlagRequired("error")
	return cmd
}

func stepShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid step id %q", args[0])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetStep(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, agentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, 0, evtType, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent filter")
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage runtime policies"}
	p.AddCommand(policyListCmd())
	p.AddCommand(policyGetCmd())
	p.AddCommand(policySetCmd())
	return p
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPolicies(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func policyGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPolicy(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func policySetCmd() *cobra.Command {
	var valueJSON string
	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Set a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value map[string]any
			if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
				return fmt.Errorf("invalid --value json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetPolicy(ctx, args[0], value)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&valueJSON, "value", "", "policy value as JSON object")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func quotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota <key>",
		Short: "Check daily quota usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				usage, err := e.CheckDailyQuota(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(usage)
			})
		},
	}
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Run and inspect workers"}
	w.AddCommand(workerRunCmd())
	w.AddCommand(workerListCmd())
	return w
}

func workerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List worker statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workers, err := e.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Status", "Last Heartbeat", "Jobs", "Errors"})
				for _, ws := range workers {
					tw.AppendRow(table.Row{ws.WorkerName, ws.Status, ws.LastHeartbeat, ws.JobsProcessed, ws.ErrorCount})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// workerRunCmd polls a Mission Control server for eligible steps and
// executes them with the built-in echo executor. It reports heartbeats
// on a separate ticker so liveness is visible even when the queue is
// empty.
func workerRunCmd() *cobra.Command {
	var serverURL, name, apiKey, bearer string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a polling worker against a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if name == "" {
				name = "worker-" + uuid.NewString()[:8]
			}
			client := missionctlsdk.New(serverURL)
			client.APIKey = apiKey
			client.BearerToken = bearer

			ctx := cmd.Context()
			jobs, errCount := 0, 0

			heartbeat := time.NewTicker(cfg.HeartbeatInterval())
			defer heartbeat.Stop()
			poll := time.NewTicker(cfg.PollInterval())
			defer poll.Stop()

			report := func(status string) {
				hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := client.Heartbeat(hbCtx, name, status, jobs, errCount); err != nil {
					fmt.Printf("heartbeat failed: %v\n", err)
				}
			}

			fmt.Printf("worker %s polling %s every %s\n", name, serverURL, cfg.PollInterval())
			report("running")
			for {
				select {
				case <-ctx.Done():
					report("stopped")
					return nil
				case <-heartbeat.C:
					report("running")
				case <-poll.C:
					step, err := client.ClaimNextStep(ctx, name)
					if err != nil {
						errCount++
						fmt.Printf("claim failed: %v\n", err)
						continue
					}
					if step == nil {
						continue
					}
					fmt.Printf("claimed step %d (%s) of mission %s\n", step.ID, step.StepKind, step.MissionID)
					output := map[string]any{
						"step_kind":   step.StepKind,
						"executed_by": name,
						"executed_at": time.Now().UTC().Format(time.RFC3339),
					}
					if _, err := client.MarkStepSucceeded(ctx, step.ID, output); err != nil {
						errCount++
						fmt.Printf("complete failed: %v\n", err)
						continue
					}
					jobs++
				}
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().StringVar(&name, "name", "", "worker name (random when empty)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for auth")
	cmd.Flags().StringVar(&bearer, "bearer", "", "bearer token for auth")
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	a.AddCommand(apikeyCreateCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					AgentID: viper.GetString("agent-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "agent_id": key.AgentID, "name": key.Name, "secret": secret}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key %s for %s\nSecret (store it now, it is not kept): %s\n", key.ID, key.AgentID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "default", "key name")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			secret := os.Getenv("MISSIONCTL_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyAgentHeader: cfg.Server.AllowLegacyAgentHeader,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Mission Control API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentmarket/internal/app"
	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
	"agentmarket/internal/identity"
	"agentmarket/internal/migrate"
	"agentmarket/internal/repo"
	"agentmarket/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "am",
	Short: "Agentmarket CLI",
	Long: `Agentmarket runs a job marketplace for autonomous agents with escrow,
bidding, dispute arbitration and validator-backed reputation.
Core concepts:
- Workspace: the .agentmarket directory holding the database; config lives in the DB.
- Market: the single marketplace owning jobs, bids, disputes, validators and the ledger.
- Jobs: paid work items. created -> funded -> accepted -> in_progress -> delivered,
  ending in completed, refunded or arbitrated. Escrow holds the client's funds.
- Bids: agents compete on open jobs; selecting a bid re-prices the job and assigns the agent.
- Disputes: either party can escalate an active job; the designated arbitrator splits
  the escrow for a fee, or the platform owner resolves after the timeout window for free.
- Validators: staked accounts that grade agent work; wrong verdicts can be challenged
  and slashed.
- Trust: a derived 0-100 score from KYC tier, system stake, weighted feedback and tenure.
- Event log: diary of every change, view with 'am log tail'.`,
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
	viper.SetEnvPrefix("AGENTMARKET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("account", "local-user", "acting account")
	rootCmd.PersistentFlags().String("market", "", "market id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
	_ = viper.BindPFlag("market", rootCmd.PersistentFlags().Lookup("market"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(marketCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(bidCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(arbitratorCmd())
	rootCmd.AddCommand(validatorCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a market in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			if err := e.InitMarket(cmd.Context(), id, desc, viper.GetString("account")); err != nil {
				return err
			}
			if err := e.Repo.UpsertMarketConfig(cmd.Context(), id, cfg); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
			}
			fmt.Printf("Initialized market %s in %s\n", id, workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "market id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func marketCmd() *cobra.Command {
	m := &cobra.Command{Use: "market", Short: "Manage markets"}
	m.AddCommand(marketUseCmd())
	return m
}

func marketUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current market for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			marketID := strings.TrimSpace(args[0])
			if marketID == "" {
				return fmt.Errorf("market id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "AGENTMARKET_MARKET", marketID); err != nil {
				return err
			}
			fmt.Printf("Set AGENTMARKET_MARKET=%s in %s/.env\n", marketID, workspace)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect market config",
		Long:  "Config is the rulebook stored in the DB: arbitration fees and cooldowns, validator stakes, bidding gates and trust caps. Import from agentmarket.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				cfg, err := config.Load(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "show the workspace YAML instead of the stored config")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import market config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			marketID := cfg.Market.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if marketID == "" {
					marketID = e.Config.Market.ID
				}
				if err := e.Repo.UpsertMarketConfig(ctx, marketID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long:  "Jobs are paid work items flowing created -> funded -> accepted -> in_progress -> delivered, ending completed, refunded or arbitrated. The escrow moves with each settlement.",
	}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobGetCmd())
	job.AddCommand(jobFundCmd())
	job.AddCommand(jobActionCmd("accept", "Accept an assigned job", func(e engine.Engine, ctx context.Context, id int64, caller string) (domain.Job, error) {
		return e.AcceptJob(ctx, id, caller)
	}))
	job.AddCommand(jobActionCmd("start", "Start an accepted job", func(e engine.Engine, ctx context.Context, id int64, caller string) (domain.Job, error) {
		return e.StartJob(ctx, id, caller)
	}))
	job.AddCommand(jobDeliverCmd())
	job.AddCommand(jobActionCmd("approve", "Approve delivery and release escrow", func(e engine.Engine, ctx context.Context, id int64, caller string) (domain.Job, error) {
		return e.ApproveDelivery(ctx, id, caller)
	}))
	job.AddCommand(jobActionCmd("cancel", "Cancel a job and refund escrow", func(e engine.Engine, ctx context.Context, id int64, caller string) (domain.Job, error) {
		return e.CancelJob(ctx, id, caller)
	}))
	job.AddCommand(jobFeedbackCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var opts engine.JobCreateOptions
	var deliverables []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Client = viper.GetString("account")
			opts.Deliverables = deliverables
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CreateJob(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&deliverables, "deliverable", []string{}, "expected deliverable (repeatable)")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "payment amount in minor units")
	cmd.Flags().Int64Var(&opts.Deadline, "deadline", 0, "deadline as unix seconds (0 for none)")
	cmd.Flags().StringVar(&opts.Agent, "agent", "", "pre-assign an agent (skips bidding)")
	cmd.Flags().StringVar(&opts.Arbitrator, "arbitrator", "", "designated arbitrator")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.Limit <= 0 {
					f.Limit = 50
				}
				jobs, err := e.Repo.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Client", "Agent", "Amount", "Funded"})
				for _, j := range jobs {
					agent := ""
					if j.Agent != nil {
						agent = *j.Agent
					}
					tw.AppendRow(table.Row{j.ID, j.Title, j.State, j.Client, agent, j.Amount, j.FundedAmount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Client, "client", "", "client filter")
	cmd.Flags().StringVar(&f.Agent, "agent", "", "agent filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "only unassigned jobs open for bidding")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func jobGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Repo.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobFundCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "fund <id>",
		Short: "Move client funds into the job escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.FundJob(ctx, id, amount, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func jobActionCmd(use, short string, fn func(engine.Engine, context.Context, int64, string) (domain.Job, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := fn(e, ctx, id, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobDeliverCmd() *cobra.Command {
	var evidence string
	cmd := &cobra.Command{
		Use:   "deliver <id>",
		Short: "Deliver job evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.DeliverJob(ctx, id, evidence, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence-uri", "", "evidence URI")
	_ = cmd.MarkFlagRequired("evidence-uri")
	return cmd
}

func jobFeedbackCmd() *cobra.Command {
	var score int64
	var comment string
	cmd := &cobra.Command{
		Use:   "feedback <id>",
		Short: "Leave feedback on a settled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.LeaveFeedback(ctx, id, viper.GetString("account"), score, comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().Int64Var(&score, "score", 0, "score 0-100")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func bidCmd() *cobra.Command {
	bid := &cobra.Command{
		Use:   "bid",
		Short: "Manage bids",
		Long:  "Agents compete on open jobs. Selecting a bid assigns the agent, re-prices the job to the bid amount and escrows the difference in one step.",
	}
	bid.AddCommand(bidSubmitCmd())
	bid.AddCommand(bidListCmd())
	bid.AddCommand(bidGetCmd())
	bid.AddCommand(bidSelectCmd())
	bid.AddCommand(bidWithdrawCmd())
	return bid
}

func bidGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <bid-id>",
		Short: "Show a bid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBid(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func bidSubmitCmd() *cobra.Command {
	var opts engine.BidOptions
	cmd := &cobra.Command{
		Use:   "submit <job-id>",
		Short: "Submit a bid on an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.JobID = id
			opts.Agent = viper.GetString("account")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SubmitBid(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "bid amount in minor units")
	cmd.Flags().Int64Var(&opts.Timeline, "timeline", 0, "promised timeline in seconds")
	cmd.Flags().StringVar(&opts.Proposal, "proposal", "", "proposal text")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func bidListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List bids for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bids, err := e.Repo.ListBids(ctx, id, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bids)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Amount", "Timeline", "Active", "Selected"})
				for _, b := range bids {
					tw.AppendRow(table.Row{b.ID, b.Agent, b.Amount, b.Timeline, b.Active, b.Selected})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active bids")
	return cmd
}

func bidSelectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select <bid-id>",
		Short: "Select a bid, assigning the agent and funding escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.SelectBid(ctx, id, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func bidWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw <bid-id>",
		Short: "Withdraw an unselected bid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.WithdrawBid(ctx, id, viper.GetString("account"))
			})
		},
	}
	return cmd
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispute",
		Short: "Manage disputes",
		Long:  "Either party of an active job can open a dispute. The designated arbitrator splits the escrow by percentage for a fee; once the timeout window elapses the platform owner can settle for free.",
	}
	d.AddCommand(disputeRaiseCmd())
	d.AddCommand(disputeGetCmd())
	d.AddCommand(disputeListCmd())
	d.AddCommand(disputeResolveCmd("arbitrate", "Resolve a dispute as its arbitrator", false))
	d.AddCommand(disputeResolveCmd("resolve-timeout", "Resolve a stale dispute as the platform owner", true))
	return d
}

func disputeRaiseCmd() *cobra.Command {
	var reason, evidence string
	cmd := &cobra.Command{
		Use:   "raise <job-id>",
		Short: "Raise a dispute on an active job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RaiseDispute(ctx, engine.DisputeOptions{
					JobID:       id,
					RaisedBy:    viper.GetString("account"),
					Reason:      reason,
					EvidenceURI: evidence,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	cmd.Flags().StringVar(&evidence, "evidence-uri", "", "evidence URI")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func disputeGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDispute(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func disputeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List disputes for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDisputes(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func disputeResolveCmd(use, short string, timeout bool) *cobra.Command {
	var clientPercent int64
	var notes string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				caller := viper.GetString("account")
				var d domain.Dispute
				if timeout {
					d, err = e.ResolveTimeout(ctx, id, clientPercent, notes, caller)
				} else {
					d, err = e.Arbitrate(ctx, id, clientPercent, notes, caller)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().Int64Var(&clientPercent, "client-percent", 0, "client share of escrow, 0-100")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	_ = cmd.MarkFlagRequired("client-percent")
	return cmd
}

func arbitratorCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "arbitrator",
		Short: "Manage arbitrators",
		Long:  "Arbitrators register with a fee, stake to activate, and resolve disputes. Unstaking takes the full stake through a cooldown before withdrawal.",
	}
	a.AddCommand(arbitratorRegisterCmd())
	a.AddCommand(arbitratorStakeCmd())
	a.AddCommand(arbitratorUnstakeCmd())
	a.AddCommand(arbitratorWithdrawCmd())
	a.AddCommand(arbitratorCancelCmd())
	a.AddCommand(arbitratorActiveCmd())
	a.AddCommand(arbitratorListCmd())
	a.AddCommand(arbitratorGetCmd())
	return a
}

func arbitratorRegisterCmd() *cobra.Command {
	var feePercent int64
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register as an arbitrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterArbitrator(ctx, viper.GetString("account"), feePercent)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&feePercent, "fee-percent", 0, "fee percentage 0-100")
	return cmd
}

func arbitratorStakeCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "stake",
		Short: "Stake into the arbitrator pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.StakeArbitrator(ctx, viper.GetString("account"), amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func arbitratorUnstakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unstake",
		Short: "Request withdrawal of the full arbitrator stake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.UnstakeArbitrator(ctx, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func arbitratorWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw-unstake",
		Short: "Withdraw a matured arbitrator unstake request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.WithdrawArbitratorUnstake(ctx, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func arbitratorCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel-unstake",
		Short: "Cancel a pending arbitrator unstake request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CancelArbitratorUnstake(ctx, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func arbitratorActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active",
		Short: "Toggle arbitrator availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetArbitratorActive(ctx, viper.GetString("account"), active)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "availability")
	return cmd
}

func arbitratorListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List arbitrators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListArbitrators(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Account", "Fee BP", "Stake", "Active", "Cases", "Successful"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Account, a.FeeBP, a.Stake, a.Active, a.TotalCases, a.SuccessfulCases})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active arbitrators")
	return cmd
}

func arbitratorGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <account>",
		Short: "Get arbitrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetArbitrator(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func validatorCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "validator",
		Short: "Manage validators",
		Long:  "Validators stake to grade agent work. Verdicts feed accuracy; wrong verdicts can be challenged with a stake, and upheld challenges slash the validator.",
	}
	v.AddCommand(validatorRegisterCmd())
	v.AddCommand(validatorStakeCmd())
	v.AddCommand(validatorUnstakeCmd())
	v.AddCommand(validatorWithdrawCmd())
	v.AddCommand(validatorCancelCmd())
	v.AddCommand(validatorListCmd())
	v.AddCommand(validatorGetCmd())
	v.AddCommand(validationSubmitCmd())
	v.AddCommand(validationListCmd())
	v.AddCommand(challengeCmd())
	v.AddCommand(challengeResolveCmd())
	return v
}

func validatorRegisterCmd() *cobra.Command {
	var method string
	var specializations []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register as a validator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RegisterValidator(ctx, engine.ValidatorRegisterOptions{
					Account:         viper.GetString("account"),
					Method:          method,
					Specializations: specializations,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "validation method")
	cmd.Flags().StringArrayVar(&specializations, "specialization", []string{}, "specialization (repeatable)")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

func validatorStakeCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "stake",
		Short: "Stake into the validator pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.StakeValidator(ctx, viper.GetString("account"), amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func validatorUnstakeCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "unstake",
		Short: "Request withdrawal of validator stake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.UnstakeValidator(ctx, viper.GetString("account"), amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func validatorWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw-unstake <request-id>",
		Short: "Withdraw a matured unstake request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.WithdrawUnstake(ctx, id, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func validatorCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel-unstake <request-id>",
		Short: "Cancel a pending validator unstake request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CancelUnstake(ctx, id, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func validatorListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List validators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListValidators(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Account", "Method", "Stake", "Active", "Accuracy BP", "Validations", "Pending Challenges"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.Account, v.Method, v.Stake, v.Active, v.AccuracyBP, v.TotalValidations, v.PendingChallenges})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active validators")
	return cmd
}

func validatorGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <account>",
		Short: "Get validator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Repo.GetValidator(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func validationSubmitCmd() *cobra.Command {
	var opts engine.ValidationOptions
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Submit a validation verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Validator = viper.GetString("account")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.SubmitValidation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Agent, "agent", "", "agent whose work is validated")
	cmd.Flags().StringVar(&opts.JobHash, "job-hash", "", "hash of the validated work")
	cmd.Flags().StringVar(&opts.Result, "result", "", "verdict: fail, pass or partial")
	cmd.Flags().Int64Var(&opts.Confidence, "confidence", 0, "confidence 0-100")
	cmd.Flags().StringVar(&opts.EvidenceURI, "evidence-uri", "", "evidence URI")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("job-hash")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}

func validationListCmd() *cobra.Command {
	var validator, agent string
	var limit int
	cmd := &cobra.Command{
		Use:   "validations",
		Short: "List validations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListValidations(ctx, validator, agent, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&validator, "validator", "", "validator filter")
	cmd.Flags().StringVar(&agent, "agent", "", "agent filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func challengeCmd() *cobra.Command {
	var opts engine.ChallengeOptions
	cmd := &cobra.Command{
		Use:   "challenge <validation-id>",
		Short: "Challenge a validation verdict with a stake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.ValidationID = id
			opts.Challenger = viper.GetString("account")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ChallengeValidation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "challenge reason")
	cmd.Flags().StringVar(&opts.EvidenceURI, "evidence-uri", "", "evidence URI")
	cmd.Flags().Int64Var(&opts.StakeAmount, "stake", 0, "challenge stake in minor units")
	_ = cmd.MarkFlagRequired("reason")
	_ = cmd.MarkFlagRequired("stake")
	return cmd
}

func challengeResolveCmd() *cobra.Command {
	var upheld bool
	cmd := &cobra.Command{
		Use:   "resolve-challenge <challenge-id>",
		Short: "Resolve a challenge as the platform owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResolveChallenge(ctx, id, upheld, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().BoolVar(&upheld, "upheld", false, "whether the challenge is upheld")
	return cmd
}

func accountCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "account",
		Short: "Accounts and the ledger",
	}
	a.AddCommand(accountCreditCmd())
	a.AddCommand(accountBalanceCmd())
	a.AddCommand(accountTransfersCmd())
	a.AddCommand(accountShowCmd())
	a.AddCommand(accountFeedbackCmd())
	a.AddCommand(accountSetTierCmd())
	a.AddCommand(accountSetStakeCmd())
	return a
}

func accountSetTierCmd() *cobra.Command {
	var target string
	var tier int
	cmd := &cobra.Command{
		Use:   "set-tier",
		Short: "Set an account's KYC tier (dev oracle)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = viper.GetString("account")
				}
				store := identity.Store{DB: e.DB}
				err := inAccountTx(ctx, e, target, func(tx *sql.Tx) error {
					return store.SetTier(ctx, tx, target, tier)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account": target, "kyc_tier": tier})
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "account to update (defaults to acting account)")
	cmd.Flags().IntVar(&tier, "tier", 0, "verification tier (0-3)")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

func accountSetStakeCmd() *cobra.Command {
	var target string
	var stake int64
	cmd := &cobra.Command{
		Use:   "set-stake",
		Short: "Set an account's system stake (dev oracle)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = viper.GetString("account")
				}
				store := identity.Store{DB: e.DB}
				err := inAccountTx(ctx, e, target, func(tx *sql.Tx) error {
					return store.SetSystemStake(ctx, tx, target, stake)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account": target, "system_stake": stake})
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "account to update (defaults to acting account)")
	cmd.Flags().Int64Var(&stake, "stake", 0, "system stake in minor units")
	_ = cmd.MarkFlagRequired("stake")
	return cmd
}

// inAccountTx runs fn in a transaction after ensuring the account row exists.
func inAccountTx(ctx context.Context, e engine.Engine, account string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.Now().UTC().Format(time.RFC3339)
	if err := e.Ledger.EnsureAccountTx(ctx, tx, account, now); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func accountCreditCmd() *cobra.Command {
	var target string
	var amount int64
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Mint balance for an account (dev faucet)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = viper.GetString("account")
				}
				if err := e.Credit(ctx, target, amount, viper.GetString("account")); err != nil {
					return err
				}
				balance, err := e.Ledger.Balance(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account": target, "balance": balance})
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "account to credit (defaults to acting account)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func accountBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance [account]",
		Short: "Show account balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("account")
			if len(args) == 1 {
				target = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				balance, err := e.Ledger.Balance(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account": target, "balance": balance})
			})
		},
	}
	return cmd
}

func accountTransfersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transfers [account]",
		Short: "List transfers touching an account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("account")
			if len(args) == 1 {
				target = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Ledger.ListTransfers(ctx, target, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "Amount", "Memo", "At"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.From, t.To, t.Amount, t.Memo, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [account]",
		Short: "Show account record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("account")
			if len(args) == 1 {
				target = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAccount(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func accountFeedbackCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "feedback [account]",
		Short: "List feedback received by an account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("account")
			if len(args) == 1 {
				target = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListFeedback(ctx, target, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust [account]",
		Short: "Compute an account's trust score",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("account")
			if len(args) == 1 {
				target = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ts, err := e.TrustScore(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ts)
				}
				fmt.Printf("Trust score for %s: %d/100\n", target, ts.Score)
				fmt.Printf("  kyc:        %d/30\n", ts.KYC)
				fmt.Printf("  stake:      %d/20\n", ts.Stake)
				fmt.Printf("  reputation: %d/40\n", ts.Reputation)
				fmt.Printf("  longevity:  %d/10\n", ts.Longevity)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: job transitions, escrow moves, stakes, disputes and challenges.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Market.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveMarketAndConfig(cmd.Context(), workspace, viper.GetString("market"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:                os.Getenv("AGENTMARKET_JWT_SECRET"),
				AllowLegacyAccountHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("AGENTMARKET_JWT_SECRET is required for bearer auth (or pass --allow-legacy-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Context: cmd.Context()})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Agentmarket API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-header", false, "accept unauthenticated X-Account-Id header (local dev only)")
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveMarketAndConfig(ctx, workspace, viper.GetString("market"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

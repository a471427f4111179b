package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/candy"
	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
	"bountyline/internal/server"
	"bountyline/internal/token"

	"github.com/google/uuid"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline escrows token rewards behind verifiable challenges.
A creator posts a bounty with challenge parameters and a reward; the reward is
moved into escrow up front. Claimants submit solutions, a validation hook
adjudicates them, and the first valid submission is paid the full reward.
Unclaimed bounties are refunded when their timeout passes. Every state change
is recorded in a hash-chained audit log ('bl blocks tail' / 'bl blocks verify').`,
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
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(bountyCmd())
	rootCmd.AddCommand(blocksCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func bountyCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "bounty",
		Short: "Manage bounties",
		Long:  "Bounties hold an escrowed reward behind challenge parameters. They stay open until a valid submission claims them or their timeout refunds the creator.",
	}
	b.AddCommand(bountyCreateCmd())
	b.AddCommand(bountyShowCmd())
	b.AddCommand(bountyListCmd())
	b.AddCommand(bountySubmitCmd())
	return b
}

func bountyCreateCmd() *cobra.Command {
	var bountyID int64
	var validationCanister, challengeJSON, metadataJSON, timeoutStr, startStr string
	var rewardCanister string
	var rewardAmount uint64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a bounty and escrow its reward",
		RunE: func(cmd *cobra.Command, args []string) error {
			challenge, err := parseCandy(challengeJSON)
			if err != nil {
				return fmt.Errorf("--challenge-json: %w", err)
			}
			timeout, err := time.Parse(time.RFC3339, timeoutStr)
			if err != nil {
				return fmt.Errorf("--timeout: %w", err)
			}
			metadata, err := parseEntries(metadataJSON)
			if err != nil {
				return fmt.Errorf("--metadata-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				opts := engine.CreateOptions{
					Creator:            viper.GetString("actor-id"),
					ValidationCanister: validationCanister,
					Challenge:          challenge,
					Metadata:           metadata,
					TimeoutDate:        timeout,
				}
				if cmd.Flags().Changed("id") {
					opts.BountyID = &bountyID
				}
				if startStr != "" {
					start, err := time.Parse(time.RFC3339, startStr)
					if err != nil {
						return fmt.Errorf("--start: %w", err)
					}
					opts.StartDate = &start
				}
				if cmd.Flags().Changed("reward-amount") {
					canister := rewardCanister
					if canister == "" {
						canister = e.Config.Engine.TokenCanisterID
					}
					opts.Metadata = append(opts.Metadata,
						candy.Entry{Key: domain.MetaRewardCanister, Value: candy.TextValue(canister)},
						candy.Entry{Key: domain.MetaRewardAmount, Value: candy.NatValue(rewardAmount)},
					)
				}
				b, err := e.CreateBounty(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().Int64Var(&bountyID, "id", 0, "bounty id (optional, next counter value if omitted)")
	cmd.Flags().StringVar(&validationCanister, "validation-canister", "", "validation canister id")
	cmd.Flags().StringVar(&challengeJSON, "challenge-json", "", "challenge parameters (candy JSON)")
	cmd.Flags().StringVar(&metadataJSON, "metadata-json", "", "bounty metadata entries (JSON array of {key,value})")
	cmd.Flags().StringVar(&timeoutStr, "timeout", "", "timeout date (RFC3339)")
	cmd.Flags().StringVar(&startStr, "start", "", "start date (RFC3339, optional)")
	cmd.Flags().Uint64Var(&rewardAmount, "reward-amount", 0, "reward amount")
	cmd.Flags().StringVar(&rewardCanister, "reward-canister", "", "reward token canister (defaults to configured token)")
	_ = cmd.MarkFlagRequired("validation-canister")
	_ = cmd.MarkFlagRequired("challenge-json")
	_ = cmd.MarkFlagRequired("timeout")
	return cmd
}

func bountyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a bounty with its claim history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.GetBounty(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func bountyListCmd() *cobra.Command {
	var claimed, unclaimed bool
	var claimedBy, validationCanister, metadataJSON string
	var prev int64
	var take int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bounties",
		RunE: func(cmd *cobra.Command, args []string) error {
			metaFilter, err := parseEntries(metadataJSON)
			if err != nil {
				return fmt.Errorf("--metadata-json: %w", err)
			}
			filter := domain.BountyFilter{
				ClaimedBy:          claimedBy,
				ValidationCanister: validationCanister,
				Metadata:           metaFilter,
			}
			if claimed {
				v := true
				filter.Claimed = &v
			} else if unclaimed {
				v := false
				filter.Claimed = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				bounties, err := e.ListBounties(ctx, filter, prev, take)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bounties)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Creator", "Status", "Validator", "Timeout", "Claimed By"})
				for _, b := range bounties {
					claimedByCol := ""
					if b.ClaimedID != nil {
						for _, c := range b.Claims {
							if c.ID == *b.ClaimedID {
								claimedByCol = c.Caller
							}
						}
					}
					tw.AppendRow(table.Row{
						b.ID, b.Creator, b.Status, b.ValidationCanister,
						time.Unix(0, b.TimeoutDate).UTC().Format(time.RFC3339), claimedByCol,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&claimed, "claimed", false, "only claimed bounties")
	cmd.Flags().BoolVar(&unclaimed, "unclaimed", false, "only unclaimed bounties")
	cmd.Flags().StringVar(&claimedBy, "claimed-by", "", "claimed by actor")
	cmd.Flags().StringVar(&validationCanister, "validation-canister", "", "validation canister filter")
	cmd.Flags().StringVar(&metadataJSON, "metadata-json", "", "metadata containment filter (JSON array of {key,value})")
	cmd.Flags().Int64Var(&prev, "prev", 0, "return bounties with id greater than this")
	cmd.Flags().IntVar(&take, "take", 0, "page size (0 uses the configured default)")
	return cmd
}

func bountySubmitCmd() *cobra.Command {
	var submissionJSON, account string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a candidate solution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			submission, err := parseCandy(submissionJSON)
			if err != nil {
				return fmt.Errorf("--submission-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				claim, err := e.SubmitBounty(ctx, engine.SubmitOptions{
					BountyID:   id,
					Caller:     viper.GetString("actor-id"),
					Submission: submission,
					Account:    account,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(claim)
			})
		},
	}
	cmd.Flags().StringVar(&submissionJSON, "submission-json", "", "submission (candy JSON)")
	cmd.Flags().StringVar(&account, "account", "", "payout account (defaults to the caller)")
	_ = cmd.MarkFlagRequired("submission-json")
	return cmd
}

func blocksCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "blocks",
		Short: "Audit log",
		Long:  "The hash-chained record of every bounty creation, submission, adjudication and expiration.",
	}
	b.AddCommand(blocksTailCmd())
	b.AddCommand(blocksGetCmd())
	b.AddCommand(blocksVerifyCmd())
	return b
}

func blocksTailCmd() *cobra.Command {
	var n int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				blocks, err := e.Blocks.Tail(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(blocks)
			})
		},
	}
	cmd.Flags().Int64Var(&n, "n", 20, "number of blocks")
	return cmd
}

func blocksGetCmd() *cobra.Command {
	var start, length int64
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Read a block range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				blocks, logLength, err := e.GetBlocks(ctx, []domain.BlockRange{{Start: start, Length: length}})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"log_length": logLength, "blocks": blocks})
			})
		},
	}
	cmd.Flags().Int64Var(&start, "start", 0, "first block index")
	cmd.Flags().Int64Var(&length, "length", 100, "number of blocks")
	return cmd
}

func blocksVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Blocks.Verify(ctx)
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("chain OK")
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "token",
		Short: "Local token ledger",
		Long:  "Development ledger for minting, approving and inspecting the token backing bounty rewards.",
	}
	t.AddCommand(tokenMintCmd())
	t.AddCommand(tokenApproveCmd())
	t.AddCommand(tokenBalanceCmd())
	return t
}

func tokenMintCmd() *cobra.Command {
	var account string
	var amount uint64
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint funds into an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" || amount == 0 {
				return fmt.Errorf("--account and --amount required")
			}
			return withToken(cmd.Context(), func(ctx context.Context, tok token.Ledger) error {
				return tok.Mint(ctx, account, amount)
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to mint")
	return cmd
}

func tokenApproveCmd() *cobra.Command {
	var spender string
	var amount uint64
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Let a spender move the caller's funds",
		RunE: func(cmd *cobra.Command, args []string) error {
			if spender == "" {
				return fmt.Errorf("--spender required")
			}
			return withToken(cmd.Context(), func(ctx context.Context, tok token.Ledger) error {
				return tok.Approve(ctx, viper.GetString("actor-id"), spender, amount)
			})
		},
	}
	cmd.Flags().StringVar(&spender, "spender", "", "spender account (typically the escrow account)")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "allowance amount")
	return cmd
}

func tokenBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance <account>",
		Short: "Show an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withToken(cmd.Context(), func(ctx context.Context, tok token.Ledger) error {
				balance, err := tok.BalanceOf(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(domain.Account{Owner: args[0], Balance: balance})
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(rawKey),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "key": rawKey})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default bountyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, token.NewSQLLedger(conn), nil)
			if err := e.Start(cmd.Context()); err != nil {
				return err
			}
			defer e.Stop()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("BOUNTYLINE_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				AdminActors:            cfg.Auth.AdminActors,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BOUNTYLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Bountyline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, token.NewSQLLedger(conn), nil)
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()
	return fn(ctx, e)
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

func withToken(ctx context.Context, fn func(context.Context, token.Ledger) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, token.NewSQLLedger(conn))
}

func parseCandy(raw string) (candy.Value, error) {
	var v candy.Value
	if strings.TrimSpace(raw) == "" {
		return v, fmt.Errorf("value required")
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, err
	}
	return v, nil
}

func parseEntries(raw string) ([]candy.Entry, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var entries []candy.Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseID(raw string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid bounty id %q", raw)
	}
	return id, nil
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

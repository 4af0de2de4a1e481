package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"realquest/internal/app"
	"realquest/internal/config"
	"realquest/internal/db"
	"realquest/internal/domain"
	"realquest/internal/engine"
	"realquest/internal/engine/auth"
	"realquest/internal/progression"
	"realquest/internal/repo"
	"realquest/internal/server"
	"realquest/internal/sweep"
)

var rootCmd = &cobra.Command{
	Use:   "rq",
	Short: "Real Quest CLI",
	Long: `Real Quest turns a to-do list into a role-playing game.
- Tasks are quests: completing one pays coins and experience, failing one costs hp.
- Daily tasks (journaliere) build a streak that multiplies their reward.
- Reaching 100 xp levels you up and heals you; dropping to 0 hp kills you and costs coins and levels.
- Coins buy potions or the rewards you put in your own shop.
- Tasks past their deadline are failed automatically by the sweep.
- Rules live in realquest.yml or, when absent, in the database (rq config show).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	loadDotEnv()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

// loadDotEnv loads .env when present; variables already set win.
func loadDotEnv() {
	if path := os.Getenv("REALQUEST_ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
		return
	}
	_ = godotenv.Load()
}

func initConfig() {
	viper.SetEnvPrefix("REALQUEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("db", "", "database file (defaults to <workspace>/.realquest/realquest.db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(shopCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the deadline sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := app.Open(ctx, dbConfig())
			if err != nil {
				return err
			}
			defer ws.Close()
			e, err := newEngine(ws)
			if err != nil {
				return err
			}
			addr := viper.GetString("addr")
			basePath := viper.GetString("base-path")
			handler, err := server.New(server.Config{
				Engine:      e,
				BasePath:    basePath,
				Auth:        server.AuthConfig{Require: viper.GetBool("auth-require")},
				CORSOrigins: splitList(viper.GetString("cors-origins")),
				StaticDir:   viper.GetString("static-dir"),
			})
			if err != nil {
				return err
			}

			sweeper := sweep.Sweeper{Engine: e, Interval: ws.Config.Sweep.Interval}
			go sweeper.Run(ctx)
			dispatcher := server.NewWebhookDispatcher(ws.Repo, ws.Config.Webhooks, nil)
			go dispatcher.Run(ctx, 0)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Real Quest API on http://%s%s (rules: %s, OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				addr, basePath, ws.ConfigSource, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/api", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for identity tokens (tokens disabled when empty)")
	cmd.Flags().Duration("jwt-ttl", 7*24*time.Hour, "identity token lifetime")
	cmd.Flags().Bool("auth-require", false, "reject user routes without a bearer token")
	cmd.Flags().String("cors-origins", "", "comma-separated browser origins allowed by CORS")
	cmd.Flags().String("static-dir", "", "serve a front-end from this directory")
	for _, name := range []string{"addr", "base-path", "jwt-secret", "jwt-ttl", "auth-require", "cors-origins", "static-dir"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail every task whose deadline has passed, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := sweep.Sweeper{Engine: e}.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("expired %d tasks for %d users (%d deaths)\n", rep.Expired, rep.Users, rep.Deaths)
				for _, id := range rep.FailedUsers {
					fmt.Printf("  failed: %s\n", id)
				}
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage players"}
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userListCmd())
	usr.AddCommand(userShowCmd())
	return usr
}

func userCreateCmd() *cobra.Command {
	var pseudo, password string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a player",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sess, err := e.Signup(ctx, engine.SignupOptions{Pseudo: pseudo, Password: password})
				if err != nil {
					return err
				}
				return printJSONOrTable(sess)
			})
		},
	}
	cmd.Flags().StringVar(&pseudo, "pseudo", "", "player name")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("pseudo")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List players",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Pseudo", "Level", "XP", "HP", "Coins", "Rubies"})
				for _, u := range users {
					s := u.Stats
					tw.AppendRow(table.Row{u.ID, u.Pseudo, s.Level, s.XP, fmt.Sprintf("%d/%d", s.HP, s.MaxHP), formatCoins(s.Coins), s.Rubies})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a player with open tasks and shop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.User(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskCmd() *cobra.Command {
	tsk := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are quests: complete them for coins and xp, fail them and lose hp. Resolved tasks are removed.",
	}
	tsk.AddCommand(taskCreateCmd())
	tsk.AddCommand(taskListCmd())
	tsk.AddCommand(taskCompleteCmd())
	tsk.AddCommand(taskFailCmd())
	return tsk
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name")
	cmd.Flags().StringVar(&opts.Type, "type", "", "task type (quete, journaliere, ...)")
	cmd.Flags().IntVar(&opts.Difficulty, "difficulty", 1, "reward tier 1-7")
	cmd.Flags().IntVar(&opts.MalusLevel, "malus", 1, "penalty tier 1-7")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (YYYY-MM-DD or RFC3339)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var overdue bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if overdue {
					f.DeadlineBefore = e.Today()
				}
				tasks, err := e.Tasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Type", "Difficulty", "Malus", "Deadline", "Streak"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.UserID, t.Name, t.Type, t.Difficulty, t.MalusLevel, deadlineText(t), t.Streak})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user", "", "user filter")
	cmd.Flags().BoolVar(&overdue, "overdue", false, "only tasks past their deadline")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var userID, taskID string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a task and collect its reward",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Complete(ctx, userID, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				o := res.Outcome
				fmt.Printf("+%s coins, +%d xp (streak %d, x%s)\n", formatCoins(o.CoinGain), o.XPGain, o.Streak, strconv.FormatFloat(o.Multiplier, 'f', -1, 64))
				if o.RubyDropped {
					fmt.Println("A ruby dropped!")
				}
				if o.LeveledUp {
					fmt.Printf("Level up! You are now level %d.\n", res.Stats.Level)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&taskID, "id", "", "task id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var userID, taskID string
	cmd := &cobra.Command{
		Use:   "fail",
		Short: "Fail a task and take its penalty",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Fail(ctx, userID, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Message)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&taskID, "id", "", "task id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func shopCmd() *cobra.Command {
	shp := &cobra.Command{Use: "shop", Short: "Spend coins"}
	shp.AddCommand(shopAddCmd())
	shp.AddCommand(shopBuyCmd())
	return shp
}

func shopAddCmd() *cobra.Command {
	var userID, name string
	var price float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a reward to a player's shop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateShopItem(ctx, userID, name, price)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "item name")
	cmd.Flags().Float64Var(&price, "price", 0, "price in coins")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func shopBuyCmd() *cobra.Command {
	var opts engine.BuyOptions
	var price float64
	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Buy a shop item (--item), an ad-hoc reward (--name --price) or a potion (--potion)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("price") {
				opts.Price = &price
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Buy(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s coins left, %d/%d hp\n", res.Message, formatCoins(res.Stats.Coins), res.Stats.HP, res.Stats.MaxHP)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&opts.ItemID, "item", "", "shop item id")
	cmd.Flags().StringVar(&opts.ItemName, "name", "", "item name")
	cmd.Flags().Float64Var(&price, "price", 0, "price in coins")
	cmd.Flags().BoolVar(&opts.IsPotion, "potion", false, "buy a potion")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect game rules",
		Long:  "Rules are read from realquest.yml when present and stored in the database; without a file the stored copy is used.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(cmd.Context(), dbConfig())
			if err != nil {
				return err
			}
			defer ws.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"source": ws.ConfigSource, "config": ws.Config})
			}
			fmt.Printf("# source: %s\n", ws.ConfigSource)
			return printJSONOrTable(ws.Config)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default realquest.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a rules file (defaults to the workspace realquest.yml)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(file)
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
	cmd.Flags().StringVar(&file, "file", "", "rules file")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store a rules file in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertGameConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "rules file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every reward, penalty, death, level-up and purchase, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var userID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, userID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "User", "Entity", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.UserID, evt.EntityKind + ":" + evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&userID, "user", "", "user filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- helpers ---

func dbConfig() db.Config {
	return db.Config{Workspace: viper.GetString("workspace"), Path: viper.GetString("db")}
}

func newEngine(ws app.Workspace) (engine.Engine, error) {
	src, err := progression.NewSource()
	if err != nil {
		return engine.Engine{}, err
	}
	e := engine.New(ws.DB, ws.Config, src)
	e.Auth = auth.Service{Secret: viper.GetString("jwt-secret"), TTL: viper.GetDuration("jwt-ttl")}
	return e, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, dbConfig())
	if err != nil {
		return err
	}
	defer ws.Close()
	e, err := newEngine(ws)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	ws, err := app.Open(ctx, dbConfig())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Repo)
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func formatCoins(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func deadlineText(t domain.Task) string {
	if t.Deadline == nil {
		return "-"
	}
	return *t.Deadline
}

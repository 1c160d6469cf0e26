package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"esdispatch/auth"
	"esdispatch/config"
	"esdispatch/db"
	"esdispatch/logger"
	"esdispatch/migrations"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "esdispatch",
	Short:         "ES offer dispatch service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, userAddCmd)

	userAddCmd.Flags().String("email", "", "login email")
	userAddCmd.Flags().String("name", "", "display name")
	userAddCmd.Flags().String("password", "", "password, at least 8 characters")
	userAddCmd.Flags().String("role", string(auth.RoleES), "ES, AS or ADMIN")
	userAddCmd.Flags().String("language", "", "preferred language")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.New("main").Errorf("%v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(cfg.Logging.Level)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("bootstrap database pool: %w", err)
		}
		defer pool.Close()

		applied, err := migrations.Apply(ctx, pool)
		if err != nil {
			return err
		}
		log := logger.New("migrate")
		if len(applied) == 0 {
			log.Infof("schema up to date")
			return nil
		}
		log.Infof("applied %s", strings.Join(applied, ", "))
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single expiry sweep and print the report",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()
		stopAudit := a.startAudit()
		defer stopAudit()

		rep, err := a.sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rep.String())
		return nil
	},
}

var userAddCmd = &cobra.Command{
	Use:   "user-add",
	Short: "Register a user (ES, AS or ADMIN)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("bootstrap database pool: %w", err)
		}
		defer pool.Close()

		flags := cmd.Flags()
		req := auth.RegisterRequest{}
		req.Email, _ = flags.GetString("email")
		req.Name, _ = flags.GetString("name")
		req.Password, _ = flags.GetString("password")
		req.Language, _ = flags.GetString("language")
		role, _ := flags.GetString("role")
		req.Role = auth.Role(role)

		user, err := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret).Register(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", user.ID, user.Role, user.Email)
		return nil
	},
}

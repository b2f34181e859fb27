package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/catalog"
	"github.com/stellarlinkco/jurisbot/internal/config"
	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
	"github.com/stellarlinkco/jurisbot/internal/identity"
	"github.com/stellarlinkco/jurisbot/internal/orchestrator"
	"github.com/stellarlinkco/jurisbot/internal/store"
)

// cli carries what the commands share: the logger built from the global
// flags and an optional orchestrator option set for tests.
type cli struct {
	verbose bool
	logger  *zap.Logger
	opts    orchestrator.Options
}

func main() {
	if err := newRootCmd(&cli{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "jurisbot",
		Short:         "jurisbot - WhatsApp intake bots for law offices",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.logger != nil {
				return nil
			}
			var err error
			if c.verbose {
				c.logger, err = zap.NewDevelopment()
			} else {
				c.logger, err = zap.NewProduction()
			}
			return err
		},
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Debug logging")
	root.AddCommand(
		newGatewayCmd(c),
		newOnboardCmd(),
		newStatusCmd(),
		newCatalogCmd(),
		newTokenCmd(),
		newTenantCmd(),
	)
	return root
}

func newGatewayCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the orchestrator (sessions, admin API, observer stream, jobs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer c.logger.Sync()

			opts := c.opts
			opts.Logger = c.logger
			o, err := orchestrator.New(cmd.Context(), cfg, opts)
			if err != nil {
				return fmt.Errorf("create orchestrator: %w", err)
			}
			return o.Run(cmd.Context())
		},
	}
}

func newOnboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Initialize config with a fresh signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(cmd.OutOrStdout())
		},
	}
}

func runOnboard(out io.Writer) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		secret, err := newSecret()
		if err != nil {
			return err
		}
		cfg.Auth.JWTSecret = secret
		if err := config.SaveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Register a tenant: jurisbot tenant set <id> --name \"...\" --granted 2")
	fmt.Fprintln(out, "  2. Issue an admin token: jurisbot token --role admin")
	fmt.Fprintln(out, "  3. Run 'jurisbot gateway' and create a session through the admin API")
	return nil
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and tenant quotas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func runStatus(ctx context.Context, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Listen: %s\n", cfg.Gateway.Addr())
	fmt.Fprintf(out, "Store: %s\n", cfg.Store.Driver)
	fmt.Fprintf(out, "Credits: %s\n", cfg.Credits.Backend)
	fmt.Fprintf(out, "Provider: %s\n", cfg.ProviderType())
	if cfg.Auth.JWTSecret != "" {
		fmt.Fprintln(out, "JWT secret: set")
	} else {
		fmt.Fprintln(out, "JWT secret: not set (run 'jurisbot onboard')")
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		fmt.Fprintf(out, "Store: unavailable (%v)\n", err)
		return nil
	}
	defer st.Close()

	tenants, err := st.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	if len(tenants) == 0 {
		fmt.Fprintln(out, "Tenants: none")
		return nil
	}
	fmt.Fprintln(out, "Tenants:")
	for _, t := range tenants {
		active, err := st.CountActiveSessions(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("count sessions of %s: %w", t.ID, err)
		}
		state := "active"
		if !t.Active {
			state = "inactive"
		}
		fmt.Fprintf(out, "  %s (%s) %d/%d bots, %s\n", t.ID, t.Name, active, t.Granted, state)
	}
	return nil
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the legal field catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Parse a catalog file and report problems",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d fields\n", len(cat.Fields()))
			return nil
		},
	}, &cobra.Command{
		Use:   "print [path]",
		Short: "List fields and their required facts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(args)
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), cat)
			return nil
		},
	})
	return cmd
}

func loadCatalog(args []string) (*catalog.Catalog, error) {
	if len(args) == 1 {
		return catalog.LoadFile(args[0])
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Catalog.Path != "" {
		return catalog.LoadFile(cfg.Catalog.Path)
	}
	return catalog.Default()
}

func printCatalog(out io.Writer, cat *catalog.Catalog) {
	for _, f := range cat.Fields() {
		e, _ := cat.Entry(f)
		fmt.Fprintf(out, "%s (%s)\n", e.Name, f)
		for _, fact := range e.Facts {
			fmt.Fprintf(out, "  - %s [%s] %s\n", fact.Key, fact.Importance, fact.Description)
		}
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		tenant  string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API and observer stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwtSecret is not set (run 'jurisbot onboard')")
			}
			p := identity.Principal{Subject: subject, TenantID: tenant, Role: identity.Role(role)}
			switch p.Role {
			case identity.RoleAdmin:
			case identity.RoleTenant:
				if tenant == "" {
					return errors.New("--tenant is required for tenant tokens")
				}
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL.Duration
			}
			token, err := identity.IssueToken(cfg.Auth.JWTSecret, p, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant the token is scoped to")
	cmd.Flags().StringVar(&role, "role", string(identity.RoleTenant), "tenant or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lifetime (defaults to auth.tokenTTL)")
	return cmd
}

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants in the record store",
	}

	var (
		name     string
		granted  int
		inactive bool
	)
	set := &cobra.Command{
		Use:   "set <id>",
		Short: "Create or update a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(st store.Store) error {
				ctx := cmd.Context()
				t, err := st.GetTenant(ctx, args[0])
				switch {
				case fault.CodeOf(err) == fault.CodeNotFound:
					t = domain.Tenant{ID: args[0], CreatedAt: time.Now().UTC()}
				case err != nil:
					return err
				}
				if cmd.Flags().Changed("name") || t.Name == "" {
					t.Name = name
				}
				if cmd.Flags().Changed("granted") {
					if granted < 0 {
						return errors.New("--granted must not be negative")
					}
					t.Granted = granted
				}
				t.Active = !inactive
				t.UpdatedAt = time.Now().UTC()
				if err := st.UpsertTenant(ctx, t); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	set.Flags().StringVar(&name, "name", "", "Display name")
	set.Flags().IntVar(&granted, "granted", 0, "Concurrent bot quota")
	set.Flags().BoolVar(&inactive, "inactive", false, "Mark the tenant inactive")

	list := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(st store.Store) error {
				tenants, err := st.ListTenants(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tenants)
			})
		},
	}

	cmd.AddCommand(set, list)
	return cmd
}

func withStore(ctx context.Context, fn func(store.Store) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(st)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

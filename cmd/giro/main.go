package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"giro/internal/app"
	"giro/internal/config"
	"giro/internal/credkey"
	"giro/internal/database"
	"giro/internal/discovery"
	"giro/internal/giro"
	"giro/internal/license"
	"giro/internal/syncer"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	return cfg, nil
}

// newNodeApp reads the config and creates a NodeApp. The caller must defer a.Close().
// command identifies the CLI command being run (e.g. "node run", "sync now").
func newNodeApp(command string) (*app.NodeApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var opts []app.NodeOption
	if pass, err := promptPassphrase(cfg.Keys); err != nil {
		return nil, err
	} else if pass != "" {
		opts = append(opts, app.WithPassphrase(pass))
	}

	a, err := app.NewNodeApp(cfg, command, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing node: %w", err)
	}
	return a, nil
}

// promptPassphrase asks for the key file passphrase when the key file is
// age-sealed and passphrase_env does not provide one.
func promptPassphrase(keys config.KeysConfig) (string, error) {
	if keys.Type != "age" {
		return "", nil
	}
	if keys.PassphraseEnv != "" {
		if v, ok := os.LookupEnv(keys.PassphraseEnv); ok && v != "" {
			return "", nil
		}
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("key file %s needs a passphrase: set %s or run interactively", keys.KeyFile, keys.PassphraseEnv)
	}

	prompt := "New key file passphrase: "
	if credkey.IsSealed(keys.KeyFile) {
		prompt = "Key file passphrase: "
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(pass) == 0 {
		return "", errors.New("empty passphrase")
	}
	return string(pass), nil
}

// newLicenseApp reads the config and creates a LicenseServerApp. The caller must defer a.Close().
func newLicenseApp(ctx context.Context, command string) (*app.LicenseServerApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewLicenseServerApp(ctx, cfg, command)
	if err != nil {
		return nil, fmt.Errorf("initializing license server: %w", err)
	}
	return a, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func mask(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 8) + s[len(s)-4:]
}

var rootCmd = &cobra.Command{
	Use:   "giro",
	Short: "Multi-node data sync fabric for GIRO point-of-sale stores",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		nodeID := uuid.New().String()
		cfg := defaults.NewConfig(nodeID)
		if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
			cfg.Network.Mode = mode
		}

		// Satellites copy the network secret from their Master's config.
		if cfg.Network.Secret, err = credkey.GenerateKey(); err != nil {
			return err
		}
		if cfg.Network.JWTSecret, err = credkey.GenerateKey(); err != nil {
			return err
		}

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Node ID:  %s\n", nodeID)
		fmt.Printf("Mode:     %s\n", cfg.Network.Mode)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		fmt.Printf("Key File: %s\n", defaults.KeyFile)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Node ID:       %s\n", cfg.Node.ID)
		fmt.Printf("Node Name:     %s\n", cfg.Node.Name)
		fmt.Printf("Store:         %s\n", cfg.Node.StoreName)
		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Database:      %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Mode:          %s\n", cfg.Network.Mode)
		fmt.Printf("Port:          %d\n", cfg.Network.WebSocketPort)
		if cfg.Network.MasterIP != "" {
			fmt.Printf("Master:        %s:%d\n", cfg.Network.MasterIP, cfg.Network.MasterPort)
		}
		fmt.Printf("Conflicts:     %s\n", cfg.Sync.ConflictStrategy)
		fmt.Printf("Auto-sync:     %ds\n", cfg.Sync.AutoSyncIntervalSecs)
		if cfg.Cloud.BaseURL != "" {
			fmt.Printf("Cloud:         %s (license %s)\n", cfg.Cloud.BaseURL, mask(cfg.Cloud.LicenseKey))
		}
		fmt.Printf("Key File:      %s (%s)\n", cfg.Keys.KeyFile, cfg.Keys.Type)
		return nil
	},
}

// node command
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run and inspect this node",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node in its configured mode until interrupted",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newNodeApp("node run")
		if err != nil {
			return err
		}
		defer a.Close()
		defer func() { a.Finish(err) }()

		ctx, stop := signalContext()
		defer stop()

		fmt.Printf("Running as %s (Ctrl-C to stop)\n", a.Mode())
		return a.Run(ctx)
	},
}

var nodeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show network settings and sync queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newNodeApp("node status")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Mode: %s\n\n", st.Mode)
		for _, s := range st.Settings {
			value := s.Value
			if strings.HasSuffix(s.Key, "secret") || strings.Contains(s.Key, "hmac_key") {
				value = mask(value)
			}
			fmt.Printf("%-28s %s\n", s.Key, value)
		}
		fmt.Printf("\nPending:      %d\n", st.Pending)
		fmt.Printf("Review:       %d\n", st.Reviews)
		fmt.Printf("Dead letters: %d\n", st.Dead)
		if len(st.Cursors) > 0 {
			fmt.Println("\nCursors:")
			for _, c := range st.Cursors {
				fmt.Printf("  %-14s v%-8d %s\n", c.Type, c.LastSyncedVersion, c.LastSyncedAt.Format(time.RFC3339))
			}
		}
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local store",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := database.MigrateFromConfig(cfg.Database, cfg.Node.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Migrated %s\n", path)
		return nil
	},
}

var dbSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the store schema produced by the migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := database.OpenConnection(":memory:")
		if err != nil {
			return err
		}
		db := database.NewSQLiteDatabaseFromDB(conn, giro.RealClock{})
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		schema, err := db.Schema(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(schema)
		return nil
	},
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the local /24 subnet for GIRO nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, _ := cmd.Flags().GetString("base")
		port, _ := cmd.Flags().GetInt("port")
		start, _ := cmd.Flags().GetInt("start")
		end, _ := cmd.Flags().GetInt("end")

		if base == "" {
			base = discovery.SubnetBase(discovery.LocalIP())
			if base == "" {
				return errors.New("could not determine the local subnet, pass --base")
			}
		}

		ctx, stop := signalContext()
		defer stop()

		fmt.Printf("Scanning %s.%d-%d on port %d...\n", base, start, end, port)
		results, err := discovery.ScanSubnet(ctx, base, start, end, port)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No nodes found.")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%-15s  %d  %dms\n", r.IP, r.Port, r.LatencyMs)
		}
		return nil
	},
}

// discover command
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Browse mDNS for GIRO nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, stop := signalContext()
		defer stop()

		records, err := discovery.NewMDNSBrowser().Browse(ctx, timeout)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No nodes found.")
			return nil
		}
		for _, r := range records {
			master := ""
			if r.IsMaster() {
				master = "  [master]"
			}
			fmt.Printf("%-20s %-15s %d  %-10s %s%s\n", r.Instance, r.IP, r.Port, r.Mode, r.Store, master)
		}
		return nil
	},
}

// key command
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the PIN HMAC key",
}

var keyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current key source and history",
	RunE: func(cmd *cobra.Command, args []string) error {
		reveal, _ := cmd.Flags().GetBool("reveal")

		a, err := newNodeApp("key show")
		if err != nil {
			return err
		}
		defer a.Close()

		key, src, err := a.CurrentKey(cmd.Context())
		if err != nil {
			return err
		}
		history, err := a.KeyHistory(cmd.Context())
		if err != nil {
			return err
		}
		if !reveal {
			key = mask(key)
		}
		fmt.Printf("Key:     %s\n", key)
		fmt.Printf("Source:  %s\n", src)
		fmt.Printf("History: %d of %d\n", len(history), credkey.HistorySize)
		return nil
	},
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Generate a new PIN HMAC key",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newNodeApp("key rotate")
		if err != nil {
			return err
		}
		defer a.Close()
		defer func() { a.Finish(err) }()

		if _, _, err := a.CurrentKey(cmd.Context()); err != nil {
			return err
		}
		key, err := a.RotateKey(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Rotated. New key: %s\n", mask(key))
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize data",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run one sync pass against the cloud and the LAN",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newNodeApp("sync now")
		if err != nil {
			return err
		}
		defer a.Close()
		defer func() { a.Finish(err) }()

		ctx, stop := signalContext()
		defer stop()

		res := a.SyncNow(ctx)
		if res.Cloud != nil {
			fmt.Printf("Cloud: pushed %d, pulled %d, conflicts %d (%s)\n",
				res.Cloud.Pushed, res.Cloud.Pulled, res.Cloud.Conflicts, res.Cloud.Duration.Truncate(time.Millisecond))
			for _, e := range res.Cloud.Errors {
				fmt.Printf("  error: %s\n", e)
			}
		}
		if res.LAN != nil {
			fmt.Printf("LAN:   pushed %d, online peers %d\n", res.LAN.Pushed, res.LAN.OnlinePeers)
			for _, e := range res.LAN.Errors {
				fmt.Printf("  error: %s\n", e)
			}
		}
		if res.Status != syncer.ResultOK {
			return errors.New("sync finished with errors")
		}
		return nil
	},
}

// license command
var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Run and administer the license server",
}

var licenseServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the license server until interrupted",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, stop := signalContext()
		defer stop()

		a, err := newLicenseApp(ctx, "license serve")
		if err != nil {
			return err
		}
		defer a.Close()
		defer func() { a.Finish(err) }()

		return a.Run(ctx)
	},
}

var licenseTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, _ := cmd.Flags().GetString("admin")

		a, err := newLicenseApp(cmd.Context(), "license token")
		if err != nil {
			return err
		}
		defer a.Close()

		token, err := a.Token(admin)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var licenseCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create pending licenses",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		admin, _ := cmd.Flags().GetString("admin")
		planName, _ := cmd.Flags().GetString("plan")
		count, _ := cmd.Flags().GetInt("count")

		plan, err := license.ParsePlan(planName)
		if err != nil {
			return err
		}

		a, err := newLicenseApp(cmd.Context(), "license create")
		if err != nil {
			return err
		}
		defer a.Close()
		defer func() { a.Finish(err) }()

		created, err := a.Create(cmd.Context(), admin, plan, count)
		for _, l := range created {
			fmt.Printf("%s  %s\n", l.Key, l.Plan)
		}
		return err
	},
}

var licenseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an admin's licenses",
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, _ := cmd.Flags().GetString("admin")

		a, err := newLicenseApp(cmd.Context(), "license list")
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.List(cmd.Context(), admin)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No licenses.")
			return nil
		}
		for _, l := range list {
			expires := "-"
			if l.ExpiresAt != nil {
				expires = l.ExpiresAt.Format("2006-01-02")
			}
			fmt.Printf("%s  %-10s  %-9s  %s\n", l.Key, l.Plan, l.Status, expires)
		}
		return nil
	},
}

var licenseArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Upload the audit log to the configured archive",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newLicenseApp(cmd.Context(), "license archive")
		if err != nil {
			return err
		}
		defer a.Close()
		defer func() { a.Finish(err) }()

		key, n, err := a.Archive(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Archived %d audit entries to %s\n", n, key)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("mode", "", "Operation mode: standalone, master, satellite or hybrid")
	configCmd.AddCommand(configListCmd)

	// node subcommands
	nodeCmd.AddCommand(nodeRunCmd)
	nodeCmd.AddCommand(nodeStatusCmd)

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbSchemaCmd)

	keyCmd.AddCommand(keyShowCmd)
	keyShowCmd.Flags().Bool("reveal", false, "Print the full key")
	keyCmd.AddCommand(keyRotateCmd)

	syncCmd.AddCommand(syncNowCmd)

	// license subcommands
	licenseCmd.AddCommand(licenseServeCmd)
	licenseCmd.AddCommand(licenseTokenCmd)
	licenseTokenCmd.Flags().String("admin", "", "Admin ID the token is issued to")
	licenseTokenCmd.MarkFlagRequired("admin")
	licenseCmd.AddCommand(licenseCreateCmd)
	licenseCreateCmd.Flags().String("admin", "", "Owning admin ID")
	licenseCreateCmd.MarkFlagRequired("admin")
	licenseCreateCmd.Flags().String("plan", "monthly", "Plan: monthly, semiannual or annual")
	licenseCreateCmd.Flags().IntP("count", "n", 1, "Number of licenses to create")
	licenseCmd.AddCommand(licenseListCmd)
	licenseListCmd.Flags().String("admin", "", "Owning admin ID")
	licenseListCmd.MarkFlagRequired("admin")
	licenseCmd.AddCommand(licenseArchiveCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().String("base", "", "First three octets to scan, e.g. 192.168.1 (default: local subnet)")
	scanCmd.Flags().Int("port", discovery.DefaultPort, "Port to probe")
	scanCmd.Flags().Int("start", 1, "First host")
	scanCmd.Flags().Int("end", 254, "Last host")
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().Duration("timeout", 15*time.Second, "How long to browse")
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(licenseCmd)
}

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/user"

	"snapvault/internal/backup"
	"snapvault/internal/config"
	"snapvault/internal/confirmation"
	"snapvault/internal/crypto"
	"snapvault/internal/display"
	"snapvault/internal/dump"
	"snapvault/internal/errors"
	"snapvault/internal/external"
	"snapvault/internal/ledger"
	"snapvault/internal/logging"
	"snapvault/internal/offsite"
	"snapvault/internal/restore"
	"snapvault/internal/security"
	"snapvault/internal/storage"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// Datastore drivers for the three supported engines.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var cfgFile string

// CLI flag variables
var (
	principal    string
	verbose      bool
	quiet        bool
	outputFormat string
	noColor      bool
	noProgress   bool
	assumeYes    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "snapvault",
	Short: "Encrypted backup and restore for relational datastores",
	Long: `SnapVault creates encrypted, self-contained backup archives of a relational
datastore (SQLite, MySQL or PostgreSQL) together with the application's file
directories, and restores them with transactional SQL replay.

Externally supplied archives go through a validation and isolation layer that
never lets an untrusted dump touch system tables.

Examples:
  # Create a full backup
  snapvault --config snapvault.yaml backup create --name nightly

  # List recent backups as JSON
  snapvault backup list --format json

  # Restore a backup, skipping duplicate rows
  snapvault restore bkp_01hq3f... --ignore-duplicates

  # Validate and stage an external archive, then restore it
  snapvault upload /tmp/legacy-export.zip
  snapvault restore-external upl_01hq3g... --strategy merge

  # Sweep aged working files
  snapvault cleanup --max-age 24h`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", renderError(err))
		os.Exit(1)
	}
}

// renderError prefers the classified user-facing message; unclassified
// errors keep their raw text.
func renderError(err error) string {
	appErr := errors.Classify(err)
	if appErr.Kind == errors.KindUnknown {
		return err.Error()
	}
	return appErr.GetUserMessage()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./snapvault.yaml or $HOME/.snapvault.yaml)")
	rootCmd.PersistentFlags().StringVar(&principal, "principal", "", "acting user recorded on ledger rows and mixed into key derivation (default: OS user)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "output format (table, json, compact)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable progress indicators")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "skip confirmation prompts for destructive operations")

	viper.BindPFlag("principal", rootCmd.PersistentFlags().Lookup("principal"))
	viper.BindPFlag("display.output_format", rootCmd.PersistentFlags().Lookup("format"))

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(".")
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName("snapvault")
	}

	viper.SetEnvPrefix("SNAPVAULT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// app bundles the wired services behind every subcommand. Build one per
// invocation with newApp and release it with Close.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	db       *sql.DB
	repo     *ledger.Repository
	crypto   *crypto.Service
	strategy dump.Strategy
	display  *display.Service

	backups *backup.Service
	restore *restore.Engine
	uploads *external.Service
	storage *storage.Service
}

func newApp(ctx context.Context) (*app, error) {
	if verbose && quiet {
		return nil, fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
	}

	path := viper.ConfigFileUsed()
	if cfgFile != "" {
		path = cfgFile
	}
	if path == "" {
		return nil, fmt.Errorf("no configuration file found; pass --config or place snapvault.yaml in the working directory")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}

	displaySvc := display.NewService(buildDisplayConfig())

	db, err := sql.Open(cfg.Datastore.DriverName(), cfg.Datastore.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("datastore is unreachable: %w", err)
	}

	repo := ledger.NewRepository(db, cfg.Datastore.DriverName())
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	strategy, err := dump.NewStrategy(&cfg.Datastore, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	mirror, err := offsite.NewProvider(ctx, &cfg.Offsite)
	if err != nil {
		db.Close()
		return nil, err
	}

	cryptoSvc := crypto.NewService(cfg.Encryption.Iterations, cfg.Encryption.ChunkSize)
	validator := security.NewValidator(cfg.Security, logger)
	restoreEngine := restore.NewEngine(cfg, db, repo, cryptoSvc, strategy, logger)
	storageSvc := storage.NewService(cfg, repo, logger)
	if err := storageSvc.EnsureZones(); err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		repo:     repo,
		crypto:   cryptoSvc,
		strategy: strategy,
		display:  displaySvc,
		backups:  backup.NewService(cfg, db, repo, cryptoSvc, strategy, mirror, logger),
		restore:  restoreEngine,
		uploads:  external.NewService(cfg, db, repo, validator, restoreEngine, logger),
		storage:  storageSvc,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// confirm gates a destructive operation behind the interactive prompt,
// honoring --yes.
func (a *app) confirm(action string, details ...string) (bool, error) {
	return confirmation.NewPrompt(a.display, assumeYes).Confirm(action, details...)
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.LogLevel(cfg.Logging.Level)
	if level == "" {
		level = logging.LogLevelNormal
	}
	if verbose {
		level = logging.LogLevelVerbose
	}
	if quiet {
		level = logging.LogLevelQuiet
	}
	return logging.NewLogger(logging.Config{
		Level:   level,
		Output:  os.Stderr,
		Format:  cfg.Logging.Format,
		LogFile: cfg.Logging.LogFile,
	})
}

func buildDisplayConfig() *display.Config {
	dc := display.DefaultConfig()
	dc.QuietMode = quiet
	if noColor {
		dc.ColorEnabled = false
	}
	if noProgress {
		dc.ShowProgress = false
	}
	format := display.OutputFormat(outputFormat)
	if format.Valid() {
		dc.OutputFormat = format
	}
	return dc
}

// resolvePrincipal yields the acting user for ledger rows and key derivation.
// Artifacts are encrypted with a key derived from this name, so restores must
// run under the same principal that created the backup.
func resolvePrincipal() string {
	if principal != "" {
		return principal
	}
	if env := viper.GetString("principal"); env != "" {
		return env
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "system"
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Long:  "Print the version information for snapvault",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("snapvault version %s\n", version)
			fmt.Printf("Built: %s\n", buildTime)
			fmt.Printf("Commit: %s\n", gitCommit)
			fmt.Printf("Go version: %s\n", goVersion)
		},
	}
}

// createConfigCommand creates the config subcommand for generating sample config
func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Generate a sample configuration file",
		Long: `Generate a sample configuration file that can be used with the --config flag.

Examples:
  # Generate a config file
  snapvault config > snapvault.yaml`,
		Run: func(cmd *cobra.Command, args []string) {
			sampleConfig := `# SnapVault configuration file

# Primary datastore. Supported engines: sqlite, mysql, postgres.
datastore:
  engine: sqlite
  path: ./app.db            # sqlite only
  # host: localhost         # mysql / postgres
  # port: 3306
  # username: app
  # password: ""            # prefer SNAPVAULT_DATASTORE_PASSWORD
  # database: app
  dump_timeout: 1h          # bound on native dump/restore subprocesses

# On-disk zones managed by the storage service.
storage:
  root: ./snapvault-data
  # managed_dir, temp_dir, uploads_dir and restore_scratch_dir default
  # beneath the root when unset.
  file_dirs:                # application directories included in full backups
    - ./uploads
    - ./media
  reference_cache_ttl: 5m

# Key derivation for backup artifacts. Every artifact is encrypted.
encryption:
  installation_secret: ""            # or point at a secret file
  installation_secret_file: /etc/snapvault/secret
  iterations: 600000                 # PBKDF2, minimum 100000
  chunk_size: 65536

backup:
  name: nightly
  metadata_compression: zstd         # none, gzip, zstd, lz4
  include_files: true
  audit_log_file: ""                 # enables the audit trail when set

# Bounds applied to externally supplied archives.
security:
  max_upload_size: 524288000         # 500 MB
  allowed_extensions: [.zip, .sql, .gz, .dump]
  max_entry_ratio: 100
  max_aggregate_ratio: 100
  max_decompressed_size: 1073741824
  antivirus_command: clamscan
  antivirus_timeout: 2m

# Age thresholds per storage zone. The managed zone is never swept
# unless managed_max_age is set.
cleanup:
  temp_max_age: 24h
  scratch_max_age: 24h
  uploads_max_age: 168h
  # managed_max_age: 2160h

# Optional mirroring of encrypted artifacts.
offsite:
  enabled: false
  provider: s3                       # s3, gcs, azure
  s3:
    bucket: my-backups
    region: us-east-1
    prefix: snapvault/

logging:
  level: normal                      # quiet, normal, verbose, debug
  format: text                       # text or json
  log_file: ""
`
			fmt.Print(sampleConfig)
		},
	}
}

package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"backup-orchestrator/internal/application"
	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/modules"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// errBackupsFailed is returned once every plan was attempted and at least
// one of them failed. Each failure has already been reported.
var errBackupsFailed = errors.New("one or more backups failed")

// rootOptions holds the global options of one command tree
type rootOptions struct {
	cfgFile  string
	v        *viper.Viper
	registry *modules.Registry
	appOpts  []application.Option
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCommand()

func newRootCommand(appOpts ...application.Option) *cobra.Command {
	opts := &rootOptions{
		v:        viper.New(),
		registry: modules.DefaultRegistry(),
		appOpts:  appOpts,
	}

	cmd := &cobra.Command{
		Use:   "backup-orchestrator",
		Short: "Run backup plans made of chained reader, transformer and writer modules",
		Long: `Backup Orchestrator runs backup plans. A plan streams data from a reader
module (files, mariaDBDatabase) through transformer modules (gzip, zstd, lz4, crypt)
into a writer module (outputFile), then runs post-backup modules
(cleanFolder, rsync, cloudSync, verifyArchive).

The same plans restore data: the chain runs in reverse order.

Examples:
  # Run every plan of a document
  backup-orchestrator backup file --config-file backups.yaml

  # Show the commands a plan would run
  backup-orchestrator --dry-run backup file --config-file backups.yaml

  # One plan from the command line
  backup-orchestrator backup cli --reader-module files --reader-args path=/srv/www \
      --transformer-module gzip --transformer-args level=9 \
      --writer-module outputFile --writer-args path=/backups --writer-args file-name=www.tar.gz

  # Restore the latest backup of every plan
  backup-orchestrator restore file --config-file backups.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.initConfig(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "options file (default is $HOME/.backup-orchestrator.yaml)")
	flags.Bool("dry-run", false, "show the commands without running them")
	flags.BoolP("verbose", "v", false, "enable verbose output")
	flags.BoolP("quiet", "q", false, "suppress non-error output")
	flags.String("log-file", "", "write logs to file instead of stdout")
	flags.String("log-format", "text", "log format (text, json)")

	opts.v.BindPFlag("dry_run", flags.Lookup("dry-run"))
	opts.v.BindPFlag("verbose", flags.Lookup("verbose"))
	opts.v.BindPFlag("quiet", flags.Lookup("quiet"))
	opts.v.BindPFlag("log_file", flags.Lookup("log-file"))
	opts.v.BindPFlag("log_format", flags.Lookup("log-format"))

	cmd.AddCommand(createPlanCommand(opts, directionBackup))
	cmd.AddCommand(createPlanCommand(opts, directionRestore))
	cmd.AddCommand(createVersionCommand())
	cmd.AddCommand(createConfigCommand())
	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errBackupsFailed) {
			fmt.Fprintln(os.Stderr, apperrors.Report(err, apperrors.ColorSupported()))
		}
		os.Exit(1)
	}
}

// initConfig reads in the options file and ENV variables if set.
func (o *rootOptions) initConfig(cmd *cobra.Command) error {
	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			o.v.AddConfigPath(home)
		}
		o.v.AddConfigPath(".")
		o.v.SetConfigType("yaml")
		o.v.SetConfigName(".backup-orchestrator")
	}

	o.v.SetEnvPrefix("BACKUP_ORCHESTRATOR")
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	if err := o.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.cfgFile != "" || !errors.As(err, &notFound) {
			return apperrors.NewUserError(fmt.Sprintf("unable to read options file: %v", err))
		}
	} else if o.v.GetBool("verbose") {
		fmt.Fprintln(cmd.ErrOrStderr(), "Using options file:", o.v.ConfigFileUsed())
	}
	return nil
}

// buildConfig builds the application options from flags, environment and options file
func (o *rootOptions) buildConfig() (application.Config, error) {
	var config application.Config
	if err := o.v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// newApplication creates the application, logging to the command output
func (o *rootOptions) newApplication(cmd *cobra.Command) (*application.Application, error) {
	config, err := o.buildConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:   config.LogLevel(),
		Output:  cmd.OutOrStdout(),
		Format:  config.LogFormat,
		LogFile: config.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	opts := []application.Option{
		application.WithLogger(logger),
		application.WithRegistry(o.registry),
		application.WithErrorOutput(cmd.ErrOrStderr(), apperrors.ColorSupported()),
	}
	return application.NewApplication(config, append(opts, o.appOpts...)...)
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
		Long:  "Print the version information for backup-orchestrator",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backup-orchestrator version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

// createConfigCommand creates the config subcommand printing a sample plan document
func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Generate a sample plan document",
		Long: `Generate a sample plan document that can be used with the file subcommands.

Examples:
  backup-orchestrator config > backups.yaml
  backup-orchestrator backup file --config-file backups.yaml`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), samplePlanDocument)
		},
	}
}

const samplePlanDocument = `# Backup Orchestrator plan document
# A list of plans, run in order. A failing plan does not stop the others.

- name: Web site
  id: www                       # letters and digits, unique in the document
  reader:
    module: files
    args:
      path: /srv/www
      incremental-metadata-file-prefix: www   # enables incremental archives
      level-0-frequency: weekly               # weekly or monthly full archive
  transformers:
    - gzip                      # level 6 by default
    - crypt:
        args:
          password-file: /etc/backup/www.key  # mode 0600 or stricter
  writer:
    module: outputFile
    args:
      path: /var/backups        # backups go to /var/backups/www/
      file-name: www.tar.gz.gpg
  post-backup:
    - cleanFolder:
        args:
          retention: 7          # days, raised to what incremental archives need
    - verifyArchive
    - rsync:
        args:
          ip-addr: 192.168.1.20
          user: backup
          dest-folder: /backups/www

- name: Shop database
  id: shop
  reader:
    module: mariaDBDatabase
    args:
      database-name: shop
  transformers:
    - zstd:
        args:
          level: 10
  writer:
    module: outputFile
    args:
      path: /var/backups
      file-name: shop.sql.zst
  post-backup:
    - cloudSync:
        args:
          provider: s3
          bucket: company-backups
          region: eu-west-1
          access-key-file: /etc/backup/s3.key

# Global options may also be set in $HOME/.backup-orchestrator.yaml:
#   dry_run: false
#   verbose: false
#   quiet: false
#   log_file: ""
#   log_format: text
# or through BACKUP_ORCHESTRATOR_* environment variables, e.g.
#   BACKUP_ORCHESTRATOR_DRY_RUN=true
`

package cmd

import (
	"fmt"
	"strings"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/modules"
	"backup-orchestrator/internal/plan"
	"backup-orchestrator/internal/stage"

	"github.com/spf13/cobra"
)

type direction struct {
	name  string
	short string
	dir   stage.Direction
}

var (
	directionBackup  = direction{name: "backup", short: "Run backup plans", dir: stage.DirectionBackup}
	directionRestore = direction{name: "restore", short: "Restore the latest backup of plans", dir: stage.DirectionRestore}
)

// createPlanCommand creates the backup or restore command with its file and cli subcommands
func createPlanCommand(opts *rootOptions, d direction) *cobra.Command {
	cmd := &cobra.Command{
		Use:   d.name,
		Short: d.short,
		Long: fmt.Sprintf(`%s, read from a plan document or from the command line.

Examples:
  backup-orchestrator %s file --config-file backups.yaml
  backup-orchestrator %s cli --reader-module mariaDBDatabase --reader-args database-name=shop \
      --writer-module outputFile --writer-args "path=/backups file-name=shop.sql"`,
			d.short, d.name, d.name),
	}
	cmd.AddCommand(createFileCommand(opts, d))
	cmd.AddCommand(createCLICommand(opts, d))
	return cmd
}

func createFileCommand(opts *rootOptions, d direction) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "file",
		Short: "Read the plans from a YAML document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := plan.LoadDocument(configFile)
			if err != nil {
				return err
			}
			return runPlans(cmd, opts, d, plans)
		},
	}
	cmd.Flags().StringVar(&configFile, "config-file", "", "plan document")
	cmd.MarkFlagRequired("config-file")
	return cmd
}

func createCLICommand(opts *rootOptions, d direction) *cobra.Command {
	var flat plan.FlatOptions

	cmd := &cobra.Command{
		Use:   "cli",
		Short: "Describe a single plan with flags",
		Long: `Describe a single plan with flags. Arguments are whitespace separated
key=value pairs; each --transformer-args and --post-backup-args value belongs
to the module at the same position, use nop for a module without arguments.

Files are written directly into the writer path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateModules(opts.registry, flat); err != nil {
				return err
			}
			descriptor, err := plan.FromFlags(flat)
			if err != nil {
				return err
			}
			return runPlans(cmd, opts, d, []plan.Descriptor{descriptor})
		},
	}

	r := opts.registry
	flags := cmd.Flags()
	flags.StringVar(&flat.ReaderModule, "reader-module", "", choices("reader module", r.Names(stage.KindReader)))
	flags.StringArrayVar(&flat.ReaderArgs, "reader-args", nil, "reader arguments")
	flags.StringArrayVar(&flat.TransformerModules, "transformer-module", nil,
		choices("transformer module, repeatable", r.Names(stage.KindTransformer)))
	flags.StringArrayVar(&flat.TransformerArgs, "transformer-args", nil, "arguments of the transformer at the same position")
	flags.StringVar(&flat.WriterModule, "writer-module", "", choices("writer module", r.Names(stage.KindWriter)))
	flags.StringArrayVar(&flat.WriterArgs, "writer-args", nil, "writer arguments")
	flags.StringArrayVar(&flat.PostBackupModules, "post-backup-module", nil,
		choices("post-backup module, repeatable", r.Names(stage.KindPostBackup)))
	flags.StringArrayVar(&flat.PostBackupArgs, "post-backup-args", nil, "arguments of the post-backup at the same position")

	cmd.MarkFlagRequired("reader-module")
	cmd.MarkFlagRequired("writer-module")
	return cmd
}

func choices(usage string, names []string) string {
	return fmt.Sprintf("%s (%s)", usage, strings.Join(names, ", "))
}

// validateModules checks every module flag against the registry
func validateModules(r *modules.Registry, flat plan.FlatOptions) error {
	check := func(flag string, kind stage.Kind, name string) error {
		for _, known := range r.Names(kind) {
			if known == name {
				return nil
			}
		}
		return apperrors.NewUserError(fmt.Sprintf("invalid value %q for --%s, must be one of: %s",
			name, flag, strings.Join(r.Names(kind), ", ")))
	}

	if err := check("reader-module", stage.KindReader, flat.ReaderModule); err != nil {
		return err
	}
	for _, name := range flat.TransformerModules {
		if err := check("transformer-module", stage.KindTransformer, name); err != nil {
			return err
		}
	}
	if err := check("writer-module", stage.KindWriter, flat.WriterModule); err != nil {
		return err
	}
	for _, name := range flat.PostBackupModules {
		if err := check("post-backup-module", stage.KindPostBackup, name); err != nil {
			return err
		}
	}
	return nil
}

// runPlans runs the plans in the command direction
func runPlans(cmd *cobra.Command, opts *rootOptions, d direction, plans []plan.Descriptor) error {
	app, err := opts.newApplication(cmd)
	if err != nil {
		return err
	}
	if app.Run(cmd.Context(), d.dir, plans) {
		return errBackupsFailed
	}
	return nil
}

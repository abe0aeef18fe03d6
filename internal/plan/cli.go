package plan

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"

	"github.com/google/shlex"
)

// FlatID is the id of the plan given on the command line: files go directly
// into the writer path, without a per-plan sub-folder
const FlatID = "."

// noOperation stands for an empty argument bundle
const noOperation = "nop"

// FlatOptions describe a single plan with command line options. Each bundle
// holds whitespace separated key=value pairs.
type FlatOptions struct {
	ReaderModule       string
	ReaderArgs         []string
	TransformerModules []string
	TransformerArgs    []string
	WriterModule       string
	WriterArgs         []string
	PostBackupModules  []string
	PostBackupArgs     []string
}

// FromFlags assembles the implicit plan of the command line
func FromFlags(opts FlatOptions) (Descriptor, error) {
	if len(opts.TransformerModules) != len(opts.TransformerArgs) {
		return Descriptor{}, apperrors.NewUserError(fmt.Sprintf(
			"Number of transformers (%d) doesn't match number of transformer's arguments (%d), use %s as empty arguments",
			len(opts.TransformerModules), len(opts.TransformerArgs), noOperation))
	}
	if len(opts.PostBackupModules) != len(opts.PostBackupArgs) {
		return Descriptor{}, apperrors.NewUserError(fmt.Sprintf(
			"Number of post-backup (%d) doesn't match number of post-backup's arguments (%d), use %s as empty arguments",
			len(opts.PostBackupModules), len(opts.PostBackupArgs), noOperation))
	}

	readerArgs, err := ParseArgs(opts.ReaderArgs...)
	if err != nil {
		return Descriptor{}, err
	}
	writerArgs, err := ParseArgs(opts.WriterArgs...)
	if err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{
		ID:     FlatID,
		Name:   "Backup from CLI",
		Reader: ModuleDescriptor{Kind: stage.KindReader, Name: opts.ReaderModule, Args: readerArgs},
		Writer: ModuleDescriptor{Kind: stage.KindWriter, Name: opts.WriterModule, Args: writerArgs},
	}
	for i, name := range opts.TransformerModules {
		args, err := ParseArgs(opts.TransformerArgs[i])
		if err != nil {
			return Descriptor{}, err
		}
		d.Transformers = append(d.Transformers, ModuleDescriptor{Kind: stage.KindTransformer, Name: name, Args: args})
	}
	for i, name := range opts.PostBackupModules {
		args, err := ParseArgs(opts.PostBackupArgs[i])
		if err != nil {
			return Descriptor{}, err
		}
		d.PostBackups = append(d.PostBackups, ModuleDescriptor{Kind: stage.KindPostBackup, Name: name, Args: args})
	}
	return d, nil
}

// ParseArgs merges key=value bundles into an argument map. Bundles are split
// like a shell command line. Values are read as integers or booleans when they
// look like one; quoting the value forces a string. A bundle equal to nop adds nothing.
func ParseArgs(bundles ...string) (map[string]interface{}, error) {
	args := make(map[string]interface{})
	for _, bundle := range bundles {
		if strings.TrimSpace(bundle) == noOperation {
			continue
		}
		pairs, err := splitBundle(bundle)
		if err != nil {
			return nil, err
		}
		for _, pair := range pairs {
			key, value, found := strings.Cut(pair, "=")
			if !found || key == "" {
				return nil, apperrors.NewUserError(fmt.Sprintf("Argument [%s] must be written key=value", pair))
			}
			if quotedValue(bundle, key) {
				args[key] = value
			} else {
				args[key] = parseValue(value)
			}
		}
	}
	return args, nil
}

func parseValue(value string) interface{} {
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	switch value {
	case "true", "True":
		return true
	case "false", "False":
		return false
	}
	return value
}

// quotedValue reports whether the value of key starts with a quote in bundle
func quotedValue(bundle, key string) bool {
	for _, field := range strings.Fields(bundle) {
		if strings.HasPrefix(field, key+`="`) || strings.HasPrefix(field, key+"='") {
			return true
		}
	}
	return false
}

// splitBundle splits a bundle into words, honouring quotes and escapes
func splitBundle(bundle string) ([]string, error) {
	words, err := shlex.Split(bundle)
	if err != nil {
		return nil, apperrors.NewUserError(fmt.Sprintf("Unable to split arguments [%s]: %v", bundle, err))
	}
	return words, nil
}

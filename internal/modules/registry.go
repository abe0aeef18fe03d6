// Package modules holds every stage a plan can reference, and the registry
// that maps module names to their constructors.
package modules

import (
	"fmt"
	"sort"
	"strings"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"
)

// Constructor creates an unprepared stage
type Constructor func(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage

// Registry maps module names to constructors, per stage kind
type Registry struct {
	constructors map[stage.Kind]map[string]Constructor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[stage.Kind]map[string]Constructor)}
}

// Register adds a module. Registering a name twice for the same kind panics.
func (r *Registry) Register(kind stage.Kind, name string, constructor Constructor) {
	byName, ok := r.constructors[kind]
	if !ok {
		byName = make(map[string]Constructor)
		r.constructors[kind] = byName
	}
	if _, exists := byName[name]; exists {
		panic(fmt.Sprintf("module %s already registered as %s", name, kind))
	}
	byName[name] = constructor
}

// Names returns the sorted module names of a kind
func (r *Registry) Names(kind stage.Kind) []string {
	names := make([]string, 0, len(r.constructors[kind]))
	for name := range r.constructors[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs the module name of the given kind
func (r *Registry) New(kind stage.Kind, name string, rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) (stage.Stage, error) {
	constructor, ok := r.constructors[kind][name]
	if !ok {
		return nil, apperrors.NewUserError(fmt.Sprintf("unknown %s module [%s], must be one of: %s",
			kind, name, strings.Join(r.Names(kind), ", ")))
	}
	return constructor(rc, args, bus), nil
}

// NewCommand constructs a reader, transformer or writer
func (r *Registry) NewCommand(kind stage.Kind, name string, rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) (stage.CommandStage, error) {
	s, err := r.New(kind, name, rc, args, bus)
	if err != nil {
		return nil, err
	}
	cmd, ok := s.(stage.CommandStage)
	if !ok {
		return nil, apperrors.NewUserError(fmt.Sprintf("module [%s] cannot be used as %s", name, kind))
	}
	return cmd, nil
}

// NewAction constructs a post-backup stage
func (r *Registry) NewAction(name string, rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) (stage.ActionStage, error) {
	s, err := r.New(stage.KindPostBackup, name, rc, args, bus)
	if err != nil {
		return nil, err
	}
	action, ok := s.(stage.ActionStage)
	if !ok {
		return nil, apperrors.NewUserError(fmt.Sprintf("module [%s] cannot be used as %s", name, stage.KindPostBackup))
	}
	return action, nil
}

// DefaultRegistry returns the registry of every built-in module
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(stage.KindReader, FilesModule, NewFilesReader)
	r.Register(stage.KindReader, MariaDBModule, NewMariaDBReader)

	r.Register(stage.KindTransformer, GzipModule, NewGzipTransformer)
	r.Register(stage.KindTransformer, ZstdModule, NewZstdTransformer)
	r.Register(stage.KindTransformer, LZ4Module, NewLZ4Transformer)
	r.Register(stage.KindTransformer, CryptModule, NewCryptTransformer)

	r.Register(stage.KindWriter, OutputFileModule, NewOutputFileWriter)

	r.Register(stage.KindPostBackup, CleanFolderModule, NewCleanFolder)
	r.Register(stage.KindPostBackup, RsyncModule, NewRsync)
	r.Register(stage.KindPostBackup, CloudSyncModule, NewCloudSync)
	r.Register(stage.KindPostBackup, VerifyArchiveModule, NewVerifyArchive)

	return r
}

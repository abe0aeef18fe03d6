package plan

import (
	"path/filepath"
	"testing"
	"time"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/modules"
	"backup-orchestrator/internal/stage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderStage records when it is prepared
type orderStage struct {
	stage.Base
	name  string
	kind  stage.Kind
	trace *[]string
}

func (s *orderStage) ModuleName() string { return s.name }
func (s *orderStage) Kind() stage.Kind   { return s.kind }

func (s *orderStage) ValidateParameters() error {
	*s.trace = append(*s.trace, string(s.kind)+":"+s.name)
	return nil
}

func (s *orderStage) Command(stage.Direction) ([]string, error) { return []string{s.name}, nil }

func (s *orderStage) PrepareAction(stage.Direction) (stage.Action, error) { return stage.NoAction{}, nil }

func tracingRegistry(trace *[]string) *modules.Registry {
	r := modules.NewRegistry()
	for _, kind := range stage.Kinds {
		for _, name := range []string{"a", "b"} {
			r.Register(kind, name, func(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
				return &orderStage{Base: stage.NewBase(rc, args, bus), name: name, kind: kind, trace: trace}
			})
		}
	}
	return r
}

func TestBuild_Order(t *testing.T) {
	var trace []string
	b := NewBuilder(tracingRegistry(&trace))

	p, err := b.Build(Options{}, Descriptor{
		ID:           "web",
		Reader:       ModuleDescriptor{Kind: stage.KindReader, Name: "a"},
		Transformers: []ModuleDescriptor{{Kind: stage.KindTransformer, Name: "b"}, {Kind: stage.KindTransformer, Name: "a"}},
		Writer:       ModuleDescriptor{Kind: stage.KindWriter, Name: "a"},
		PostBackups:  []ModuleDescriptor{{Kind: stage.KindPostBackup, Name: "b"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"reader:a", "transformer:b", "transformer:a", "writer:a", "post-backup:b"}, trace)
	assert.True(t, p.Bus.Frozen())
	assert.Equal(t, "web", p.Context.BackupID)

	chain := p.Chain()
	require.Len(t, chain, 4)
	assert.Equal(t, stage.KindReader, chain[0].Kind())
	assert.Equal(t, "b", chain[1].ModuleName())
	assert.Equal(t, stage.KindWriter, chain[3].Kind())
	assert.Len(t, p.PostBackups, 1)
}

func TestBuild_Modules(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 3, 6, 10, 0, 0, 0, time.Local)

	b := NewBuilder(modules.DefaultRegistry())
	p, err := b.Build(Options{Clock: func() time.Time { return now }}, Descriptor{
		ID:           "web",
		Reader:       ModuleDescriptor{Kind: stage.KindReader, Name: "files", Args: map[string]interface{}{"path": "/srv/www"}},
		Transformers: []ModuleDescriptor{{Kind: stage.KindTransformer, Name: "gzip"}},
		Writer: ModuleDescriptor{Kind: stage.KindWriter, Name: "outputFile",
			Args: map[string]interface{}{"path": root, "file-name": "www.tar.gz"}},
		PostBackups: []ModuleDescriptor{{Kind: stage.KindPostBackup, Name: "cleanFolder",
			Args: map[string]interface{}{"retention": 7}}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"files"}, p.Bus.Modules(stage.KindReader))
	assert.Equal(t, []string{"gzip"}, p.Bus.Modules(stage.KindTransformer))
	assert.Equal(t, []string{"outputFile"}, p.Bus.Modules(stage.KindWriter))
	assert.Equal(t, []string{"cleanFolder"}, p.Bus.Modules(stage.KindPostBackup))
	assert.True(t, p.Bus.Frozen())

	dir, err := p.Bus.OutputDirectory()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "web"), dir)
	assert.DirExists(t, dir)

	prefix, err := p.Bus.FilePrefix()
	require.NoError(t, err)
	assert.Equal(t, "2024-03-06T10:00:00-", prefix)
}

func TestBuild_DryRunCreatesNothing(t *testing.T) {
	root := t.TempDir()

	b := NewBuilder(modules.DefaultRegistry())
	_, err := b.Build(Options{DryRun: true}, Descriptor{
		ID:     "web",
		Reader: ModuleDescriptor{Kind: stage.KindReader, Name: "files", Args: map[string]interface{}{"path": "/srv/www"}},
		Writer: ModuleDescriptor{Kind: stage.KindWriter, Name: "outputFile",
			Args: map[string]interface{}{"path": root, "file-name": "www.tar"}},
	})
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(root, "web"))
}

func TestBuild_Errors(t *testing.T) {
	root := t.TempDir()
	writer := ModuleDescriptor{Kind: stage.KindWriter, Name: "outputFile",
		Args: map[string]interface{}{"path": root, "file-name": "www.tar"}}
	reader := ModuleDescriptor{Kind: stage.KindReader, Name: "files", Args: map[string]interface{}{"path": "/srv/www"}}

	tests := []struct {
		name       string
		descriptor Descriptor
		wantType   apperrors.ErrorType
		wantModule string
	}{
		{
			name:       "unknown reader",
			descriptor: Descriptor{ID: "web", Reader: ModuleDescriptor{Kind: stage.KindReader, Name: "ftp"}, Writer: writer},
			wantType:   apperrors.ErrorTypeUser,
		},
		{
			name: "writer used as transformer",
			descriptor: Descriptor{ID: "web", Reader: reader, Writer: writer,
				Transformers: []ModuleDescriptor{{Kind: stage.KindTransformer, Name: "outputFile"}}},
			wantType: apperrors.ErrorTypeUser,
		},
		{
			name: "bad transformer argument",
			descriptor: Descriptor{ID: "web", Reader: reader, Writer: writer,
				Transformers: []ModuleDescriptor{{Kind: stage.KindTransformer, Name: "gzip", Args: map[string]interface{}{"level": 42}}}},
			wantType:   apperrors.ErrorTypeParameter,
			wantModule: "gzip",
		},
		{
			name: "bad post-backup argument",
			descriptor: Descriptor{ID: "web", Reader: reader, Writer: writer,
				PostBackups: []ModuleDescriptor{{Kind: stage.KindPostBackup, Name: "cleanFolder"}}},
			wantType:   apperrors.ErrorTypeParameter,
			wantModule: "cleanFolder",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(modules.DefaultRegistry()).Build(Options{DryRun: true}, tt.descriptor)
			require.Error(t, err)

			appErr, ok := apperrors.AsAppError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantType, appErr.Type)
			assert.Equal(t, "web", appErr.BackupID)
			assert.Equal(t, tt.wantModule, appErr.Module)
		})
	}
}

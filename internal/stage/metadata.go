package stage

import (
	"fmt"
	"sort"
	"time"

	apperrors "backup-orchestrator/internal/errors"
)

// Metadata field names, as they appear in messages
const (
	FieldFilePreservationWindow = "file-preservation-window"
	FieldOutputDirectory        = "output-directory"
	FieldFilePrefix             = "file-prefix"
	FieldBackupDatetime         = "backup-datetime"
)

// Metadata is the closed set of facts a stage may share. Nil fields are unset.
type Metadata struct {
	// FilePreservationWindow is the number of days files must be kept
	FilePreservationWindow *int
	OutputDirectory        *string
	FilePrefix             *string
	// BackupDatetime is stored in ISO-8601 form, second precision
	BackupDatetime *string
}

// IsEmpty reports whether no field is set
func (m Metadata) IsEmpty() bool {
	return m.FilePreservationWindow == nil && m.OutputDirectory == nil &&
		m.FilePrefix == nil && m.BackupDatetime == nil
}

// Validate checks the value constraints of every set field
func (m Metadata) Validate() error {
	if m.FilePreservationWindow != nil && *m.FilePreservationWindow < 0 {
		return apperrors.NewInvariantError(fmt.Sprintf("%s must not be negative, got %d",
			FieldFilePreservationWindow, *m.FilePreservationWindow))
	}
	if m.BackupDatetime != nil {
		if _, err := ParseDatetime(*m.BackupDatetime); err != nil {
			return apperrors.NewInvariantError(fmt.Sprintf("%s is not an ISO-8601 timestamp: %q",
				FieldBackupDatetime, *m.BackupDatetime))
		}
	}
	return nil
}

// merge adds the fields of other that are unset in m. Setting a field twice is refused.
func (m *Metadata) merge(other Metadata) error {
	conflict := func(field string) error {
		return apperrors.NewInvariantError(fmt.Sprintf("%s is already published and cannot be overwritten", field))
	}
	if other.FilePreservationWindow != nil {
		if m.FilePreservationWindow != nil {
			return conflict(FieldFilePreservationWindow)
		}
		m.FilePreservationWindow = other.FilePreservationWindow
	}
	if other.OutputDirectory != nil {
		if m.OutputDirectory != nil {
			return conflict(FieldOutputDirectory)
		}
		m.OutputDirectory = other.OutputDirectory
	}
	if other.FilePrefix != nil {
		if m.FilePrefix != nil {
			return conflict(FieldFilePrefix)
		}
		m.FilePrefix = other.FilePrefix
	}
	if other.BackupDatetime != nil {
		if m.BackupDatetime != nil {
			return conflict(FieldBackupDatetime)
		}
		m.BackupDatetime = other.BackupDatetime
	}
	return nil
}

// DatetimeLayout is the ISO-8601 layout used in file prefixes and metadata
const DatetimeLayout = "2006-01-02T15:04:05"

// FormatDatetime renders t with second precision, without zone
func FormatDatetime(t time.Time) string {
	return t.Format(DatetimeLayout)
}

// ParseDatetime parses a timestamp written by FormatDatetime, in local time
func ParseDatetime(value string) (time.Time, error) {
	return time.ParseInLocation(DatetimeLayout, value, time.Local)
}

// Int returns a pointer to v
func Int(v int) *int { return &v }

// String returns a pointer to v
func String(v string) *string { return &v }

// Bus is the per-plan, append-only store of published metadata, namespaced by
// stage kind and module name. It is written during the build phase only; Freeze
// turns it read-only before execution starts.
type Bus struct {
	entries map[Kind]map[string]*Metadata
	frozen  bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{entries: make(map[Kind]map[string]*Metadata)}
}

// Publish records the metadata of a module. A module published twice (the same
// transformer used twice, for instance) keeps one entry whose fields are merged;
// any field that is already set cannot be set again.
func (b *Bus) Publish(kind Kind, module string, md Metadata) error {
	if b.frozen {
		return apperrors.NewInvariantError(fmt.Sprintf("metadata bus is read-only, %s %s cannot publish", kind, module))
	}
	if err := md.Validate(); err != nil {
		return err
	}

	namespace, ok := b.entries[kind]
	if !ok {
		namespace = make(map[string]*Metadata)
		b.entries[kind] = namespace
	}
	entry, ok := namespace[module]
	if !ok {
		entry = &Metadata{}
		namespace[module] = entry
	}
	return entry.merge(md)
}

// Freeze makes the bus read-only
func (b *Bus) Freeze() {
	b.frozen = true
}

// Frozen reports whether the bus is read-only
func (b *Bus) Frozen() bool {
	return b.frozen
}

// Entries returns a copy of the metadata published under kind, keyed by module name
func (b *Bus) Entries(kind Kind) map[string]Metadata {
	result := make(map[string]Metadata, len(b.entries[kind]))
	for name, md := range b.entries[kind] {
		result[name] = *md
	}
	return result
}

// Modules returns the sorted module names published under kind
func (b *Bus) Modules(kind Kind) []string {
	names := make([]string, 0, len(b.entries[kind]))
	for name := range b.entries[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// single returns the only entry of a namespace, failing on zero or several entries
func (b *Bus) single(kind Kind, field string) (Metadata, error) {
	namespace := b.entries[kind]
	if len(namespace) != 1 {
		return Metadata{}, apperrors.NewInvariantError(fmt.Sprintf(
			"%s must be defined by exactly one %s module, found %d", field, kind, len(namespace)))
	}
	for _, md := range namespace {
		return *md, nil
	}
	return Metadata{}, nil
}

// OutputDirectory returns the output directory published by the writer
func (b *Bus) OutputDirectory() (string, error) {
	md, err := b.single(KindWriter, FieldOutputDirectory)
	if err != nil {
		return "", err
	}
	if md.OutputDirectory == nil {
		return "", missing(FieldOutputDirectory)
	}
	return *md.OutputDirectory, nil
}

// FilePrefix returns the file prefix published by the writer
func (b *Bus) FilePrefix() (string, error) {
	md, err := b.single(KindWriter, FieldFilePrefix)
	if err != nil {
		return "", err
	}
	if md.FilePrefix == nil {
		return "", missing(FieldFilePrefix)
	}
	return *md.FilePrefix, nil
}

// BackupDatetime returns the instant of the backup chosen by the writer
func (b *Bus) BackupDatetime() (time.Time, error) {
	md, err := b.single(KindWriter, FieldBackupDatetime)
	if err != nil {
		return time.Time{}, err
	}
	if md.BackupDatetime == nil {
		return time.Time{}, missing(FieldBackupDatetime)
	}
	return ParseDatetime(*md.BackupDatetime)
}

// MaxFilePreservationWindow returns the largest window published by readers.
// The boolean is false when no reader published one.
func (b *Bus) MaxFilePreservationWindow() (int, bool) {
	found := false
	max := 0
	for _, md := range b.entries[KindReader] {
		if md.FilePreservationWindow == nil {
			continue
		}
		if !found || *md.FilePreservationWindow > max {
			max = *md.FilePreservationWindow
		}
		found = true
	}
	return max, found
}

func missing(field string) error {
	return apperrors.NewInvariantError(fmt.Sprintf("%s must be defined in writer module", field))
}

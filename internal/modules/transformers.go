package modules

import (
	"strconv"

	"backup-orchestrator/internal/stage"
)

// Transformer module names
const (
	GzipModule  = "gzip"
	ZstdModule  = "zstd"
	LZ4Module   = "lz4"
	CryptModule = "crypt"
)

// compressor describes a stream compression program
type compressor struct {
	name    string
	program string
	schema  stage.Schema
	// extra is appended to both directions so the program writes to stdout
	extra []string
}

func levelParam(lowest, highest, def int, program string) stage.Param {
	return stage.Param{
		Name: "level", Type: stage.TypeInt, Min: stage.Int(lowest), Max: stage.Int(highest), Default: def,
		Hint: "Compression level of " + program + ", from " + strconv.Itoa(lowest) + " (fastest) to " +
			strconv.Itoa(highest) + " (best compression), default " + strconv.Itoa(def),
	}
}

var (
	gzipCompressor = compressor{name: GzipModule, program: "gzip",
		schema: stage.Schema{levelParam(1, 9, 6, "gzip")}}
	zstdCompressor = compressor{name: ZstdModule, program: "zstd", extra: []string{"-c"},
		schema: stage.Schema{levelParam(1, 19, 3, "zstd")}}
	lz4Compressor = compressor{name: LZ4Module, program: "lz4", extra: []string{"-c"},
		schema: stage.Schema{levelParam(1, 12, 1, "lz4")}}
)

// CompressionTransformer pipes the stream through a compression program
type CompressionTransformer struct {
	stage.Base
	compressor compressor
	level      int
}

// NewGzipTransformer creates the gzip transformer
func NewGzipTransformer(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &CompressionTransformer{Base: stage.NewBase(rc, args, bus), compressor: gzipCompressor}
}

// NewZstdTransformer creates the zstd transformer
func NewZstdTransformer(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &CompressionTransformer{Base: stage.NewBase(rc, args, bus), compressor: zstdCompressor}
}

// NewLZ4Transformer creates the lz4 transformer
func NewLZ4Transformer(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &CompressionTransformer{Base: stage.NewBase(rc, args, bus), compressor: lz4Compressor}
}

func (t *CompressionTransformer) ModuleName() string { return t.compressor.name }
func (t *CompressionTransformer) Kind() stage.Kind   { return stage.KindTransformer }

func (t *CompressionTransformer) ValidateParameters() error {
	params, err := t.compressor.schema.Validate(t.Args)
	if err != nil {
		return err
	}
	t.level = params.Int("level")
	return nil
}

// Command compresses on backup and decompresses on restore
func (t *CompressionTransformer) Command(dir stage.Direction) ([]string, error) {
	argv := []string{t.compressor.program}
	if dir == stage.DirectionRestore {
		argv = append(argv, "-d")
	} else {
		argv = append(argv, "-"+strconv.Itoa(t.level))
	}
	return append(argv, t.compressor.extra...), nil
}

var cryptSchema = stage.Schema{
	{Name: "password-file", Type: stage.TypeString, Required: true, Hint: secretHint},
}

// CryptTransformer encrypts the stream with openssl
type CryptTransformer struct {
	stage.Base
	passwordFile string
}

// NewCryptTransformer creates the crypt transformer
func NewCryptTransformer(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &CryptTransformer{Base: stage.NewBase(rc, args, bus)}
}

func (t *CryptTransformer) ModuleName() string { return CryptModule }
func (t *CryptTransformer) Kind() stage.Kind   { return stage.KindTransformer }

// ValidateParameters checks the password file before openssl can read it
func (t *CryptTransformer) ValidateParameters() error {
	params, err := cryptSchema.Validate(t.Args)
	if err != nil {
		return err
	}
	if err := checkSecretFile("password-file", params.String("password-file")); err != nil {
		return err
	}
	t.passwordFile = params.String("password-file")
	return nil
}

// Command returns the openssl invocation
func (t *CryptTransformer) Command(dir stage.Direction) ([]string, error) {
	mode := "-e"
	if dir == stage.DirectionRestore {
		mode = "-d"
	}
	return []string{"openssl", "enc", mode, "-aes-256-cbc", "-pbkdf2", "-kfile", t.passwordFile}, nil
}

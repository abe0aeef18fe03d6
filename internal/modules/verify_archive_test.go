package modules

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

func gzipped(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func verifyAction(t *testing.T, dir string, args map[string]interface{}) stage.Action {
	t.Helper()
	bus := busWithWriter(t, dir, wednesday)
	v := NewVerifyArchive(fixedContext("web", wednesday), args, bus).(*VerifyArchive)
	require.NoError(t, stage.Prepare(v, bus))

	action, err := v.PrepareAction(stage.DirectionBackup)
	require.NoError(t, err)
	return action
}

func TestVerifyArchive(t *testing.T) {
	dir := t.TempDir()
	prefix := stage.FormatDatetime(wednesday) + "-"
	touch(t, filepath.Join(dir, prefix+"www-w10.snar"), 0640)
	require.NoError(t, os.WriteFile(filepath.Join(dir, prefix+"www.tar.gz"), gzipped(t, "payload"), 0640))

	for _, args := range []map[string]interface{}{nil, {"format": "gzip"}} {
		action := verifyAction(t, dir, args)
		assert.Equal(t, []string{"File [" + filepath.Join(dir, prefix+"*") + "] would have been verified."}, action.Describe())
		assert.NoError(t, action.Execute(context.Background()))
	}
}

func TestVerifyArchive_Corrupt(t *testing.T) {
	dir := t.TempDir()
	data := gzipped(t, "a payload long enough to be truncated in the middle")
	path := filepath.Join(dir, stage.FormatDatetime(wednesday)+"-www.tar.gz")
	require.NoError(t, os.WriteFile(path, data[:len(data)-6], 0640))

	err := verifyAction(t, dir, nil).Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeRunning, apperrors.GetErrorType(err))
	assert.Contains(t, err.Error(), "is not a valid archive")
}

func TestVerifyArchive_WrongFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, stage.FormatDatetime(wednesday)+"-www.tar.zst")
	require.NoError(t, os.WriteFile(path, gzipped(t, "payload"), 0640))

	err := verifyAction(t, dir, map[string]interface{}{"format": "zstd"}).Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeRunning, apperrors.GetErrorType(err))
}

func TestVerifyArchive_MissingFile(t *testing.T) {
	err := verifyAction(t, t.TempDir(), nil).Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No backup file starting with")
}

func TestVerifyArchive_Restore(t *testing.T) {
	rc := fixedContext("web", wednesday)
	rc.Direction = stage.DirectionRestore
	bus := busWithWriter(t, t.TempDir(), wednesday)
	v := NewVerifyArchive(rc, nil, bus).(*VerifyArchive)
	require.NoError(t, stage.Prepare(v, bus))

	action, err := v.PrepareAction(stage.DirectionRestore)
	require.NoError(t, err)
	assert.Equal(t, []string{"Module [verifyArchive] has nothing to do"}, action.Describe())
}

// opensslEncrypt mimics openssl enc -aes-256-cbc -pbkdf2
func opensslEncrypt(t *testing.T, password string, plain []byte) []byte {
	t.Helper()
	salt := []byte("saltsalt")
	derived := pbkdf2.Key([]byte(password), salt, 10000, 48, sha256.New)
	block, err := aes.NewCipher(derived[:32])
	require.NoError(t, err)

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	cipher.NewCBCEncrypter(block, derived[32:]).CryptBlocks(padded, padded)
	return append(append([]byte("Salted__"), salt...), padded...)
}

func TestVerifyArchive_Encrypted(t *testing.T) {
	dir := t.TempDir()
	passwordFile := filepath.Join(t.TempDir(), "www.key")
	require.NoError(t, os.WriteFile(passwordFile, []byte("s3cret\n"), 0600))
	args := map[string]interface{}{"password-file": passwordFile}

	path := filepath.Join(dir, stage.FormatDatetime(wednesday)+"-www.tar.gz.enc")
	require.NoError(t, os.WriteFile(path, opensslEncrypt(t, "s3cret", gzipped(t, "payload")), 0640))
	assert.NoError(t, verifyAction(t, dir, args).Execute(context.Background()))

	require.NoError(t, os.WriteFile(path, gzipped(t, "payload"), 0640))
	err := verifyAction(t, dir, args).Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a valid encrypted file")
}

func TestVerifyArchive_SharedPasswordFile(t *testing.T) {
	passwordFile := filepath.Join(t.TempDir(), "www.key")
	require.NoError(t, os.WriteFile(passwordFile, []byte("s3cret\n"), 0600))
	require.NoError(t, os.Chmod(passwordFile, 0644))

	v := NewVerifyArchive(fixedContext("web", wednesday), map[string]interface{}{"password-file": passwordFile}, stage.NewBus())
	err := v.ValidateParameters()
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "password-file", appErr.Parameter)
}

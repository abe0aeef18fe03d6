package archive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Streams written by openssl enc -aes-256-cbc -pbkdf2 start with this magic and an 8 bytes salt
var saltedMagic = []byte("Salted__")

const (
	saltSize         = 8
	pbkdf2Iterations = 10000
	keySize          = 32
	chunkSize        = 32 * aes.BlockSize * 64
)

// ErrBadDecrypt reports a wrong password or a corrupt encrypted stream
var ErrBadDecrypt = errors.New("bad decrypt: wrong password or corrupt data")

type decryptReader struct {
	src   io.Reader
	mode  cipher.BlockMode
	chunk []byte
	plain []byte
	// held is the last decrypted block, which carries the padding once the stream ends
	held []byte
	done bool
}

// NewDecryptReader returns the plaintext of an openssl AES-256-CBC stream
// whose key and IV were derived from password with PBKDF2-SHA256.
func NewDecryptReader(r io.Reader, password []byte) (io.Reader, error) {
	header := make([]byte, len(saltedMagic)+saltSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("encrypted stream too short: %w", err)
	}
	if !bytes.Equal(header[:len(saltedMagic)], saltedMagic) {
		return nil, fmt.Errorf("missing %q header, not an openssl encrypted stream", saltedMagic)
	}
	salt := header[len(saltedMagic):]

	derived := pbkdf2.Key(password, salt, pbkdf2Iterations, keySize+aes.BlockSize, sha256.New)
	block, err := aes.NewCipher(derived[:keySize])
	if err != nil {
		return nil, err
	}

	return &decryptReader{
		src:   r,
		mode:  cipher.NewCBCDecrypter(block, derived[keySize:]),
		chunk: make([]byte, chunkSize),
	}, nil
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *decryptReader) fill() error {
	n, err := io.ReadFull(r.src, r.chunk)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		r.done = true
	case err != nil:
		return err
	}
	if n%aes.BlockSize != 0 {
		return fmt.Errorf("encrypted stream length is not a multiple of %d: %w", aes.BlockSize, ErrBadDecrypt)
	}

	data := r.chunk[:n]
	r.mode.CryptBlocks(data, data)
	out := append(append([]byte(nil), r.held...), data...)

	if r.done {
		plain, err := unpad(out)
		if err != nil {
			return err
		}
		r.plain, r.held = plain, nil
		return nil
	}
	r.held = out[len(out)-aes.BlockSize:]
	r.plain = out[:len(out)-aes.BlockSize]
	return nil
}

// unpad strips the PKCS#7 padding of the last block
func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("encrypted stream holds no block: %w", ErrBadDecrypt)
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, ErrBadDecrypt
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, ErrBadDecrypt
		}
	}
	return data[:len(data)-pad], nil
}

// Package winzip implements the WinZip AE-2 entry encryption scheme:
// PBKDF2-HMAC-SHA1 key derivation, AES-256 in CTR mode over the compressed
// stream, and a truncated HMAC-SHA1 authentication tag computed over the
// ciphertext.
package winzip

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Wire sizes for AES-256 (strength code 0x03).
const (
	SaltLen     = 16
	VerifierLen = 2
	TagLen      = 10

	// Overhead is the number of bytes AE-2 adds around an entry's
	// compressed data: salt + password verifier + authentication tag.
	Overhead = SaltLen + VerifierLen + TagLen

	keyLen        = 32
	kdfIterations = 1000
)

// Sentinel errors. A verifier mismatch means the password is wrong; a tag
// mismatch means the ciphertext was altered (or truncated) after writing.
var (
	ErrPassword       = errors.New("winzip: password verification failed")
	ErrAuthentication = errors.New("winzip: authentication tag mismatch")
)

// deriveKeys runs PBKDF2-HMAC-SHA1 over password and salt, producing the
// AES key, the HMAC key, and the 2-byte password verifier.
func deriveKeys(password string, salt []byte) (encKey, macKey, verifier []byte) {
	derived := pbkdf2.Key([]byte(password), salt, kdfIterations, 2*keyLen+VerifierLen, sha1.New)
	return derived[:keyLen], derived[keyLen : 2*keyLen], derived[2*keyLen:]
}

// ctrStream builds the AES-256-CTR keystream. The 128-bit counter is
// big-endian and starts at 1.
func ctrStream(encKey []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	var iv [aes.BlockSize]byte
	iv[len(iv)-1] = 1
	return cipher.NewCTR(block, iv[:]), nil
}

// Encryptor encrypts one entry's compressed stream into w. The salt and
// password verifier are emitted before any ciphertext; Close appends the
// authentication tag.
type Encryptor struct {
	w        io.Writer
	stream   cipher.Stream
	mac      hash.Hash
	buf      []byte
	preamble bool
	salt     [SaltLen]byte
	verifier []byte
}

// NewEncryptor derives keys for password with a fresh random salt.
// Nothing is written until the first Write (or Close, for empty entries).
func NewEncryptor(password string, w io.Writer) (*Encryptor, error) {
	e := &Encryptor{w: w}
	if _, err := rand.Read(e.salt[:]); err != nil {
		return nil, fmt.Errorf("winzip: generate salt: %w", err)
	}
	encKey, macKey, verifier := deriveKeys(password, e.salt[:])
	stream, err := ctrStream(encKey)
	if err != nil {
		return nil, err
	}
	e.stream = stream
	e.mac = hmac.New(sha1.New, macKey)
	e.verifier = verifier
	return e, nil
}

func (e *Encryptor) writePreamble() error {
	if e.preamble {
		return nil
	}
	e.preamble = true
	if _, err := e.w.Write(e.salt[:]); err != nil {
		return err
	}
	_, err := e.w.Write(e.verifier)
	return err
}

// Write encrypts p and feeds the ciphertext to both the HMAC and the
// underlying writer. p is not modified.
func (e *Encryptor) Write(p []byte) (int, error) {
	if err := e.writePreamble(); err != nil {
		return 0, err
	}
	if cap(e.buf) < len(p) {
		e.buf = make([]byte, len(p))
	}
	ct := e.buf[:len(p)]
	e.stream.XORKeyStream(ct, p)
	e.mac.Write(ct)
	n, err := e.w.Write(ct)
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// Close writes the truncated HMAC tag. It must be called exactly once,
// after the compressed stream is fully written.
func (e *Encryptor) Close() error {
	if err := e.writePreamble(); err != nil {
		return err
	}
	tag := e.mac.Sum(nil)[:TagLen]
	_, err := e.w.Write(tag)
	return err
}

// Decryptor decrypts one entry's stream from r. The constructor consumes
// the salt and verifier and fails with ErrPassword before any plaintext is
// produced when the password is wrong. Read returns ErrAuthentication on
// the terminating read when the tag does not match.
type Decryptor struct {
	r         io.Reader
	stream    cipher.Stream
	mac       hash.Hash
	remaining uint64 // ciphertext bytes not yet read
	checked   bool
	tagErr    error
}

// NewDecryptor reads the AE-2 preamble from r and verifies the password.
// ciphertextLen is the entry's stored compressed size minus Overhead.
func NewDecryptor(password string, r io.Reader, ciphertextLen uint64) (*Decryptor, error) {
	var preamble [SaltLen + VerifierLen]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return nil, fmt.Errorf("winzip: read salt: %w", err)
	}
	encKey, macKey, verifier := deriveKeys(password, preamble[:SaltLen])
	if subtle.ConstantTimeCompare(verifier, preamble[SaltLen:]) != 1 {
		return nil, ErrPassword
	}
	stream, err := ctrStream(encKey)
	if err != nil {
		return nil, err
	}
	return &Decryptor{
		r:         r,
		stream:    stream,
		mac:       hmac.New(sha1.New, macKey),
		remaining: ciphertextLen,
	}, nil
}

func (d *Decryptor) Read(p []byte) (int, error) {
	if d.remaining == 0 {
		if err := d.checkTag(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	if uint64(len(p)) > d.remaining {
		p = p[:d.remaining]
	}
	n, err := d.r.Read(p)
	if n > 0 {
		d.mac.Write(p[:n])
		d.stream.XORKeyStream(p[:n], p[:n])
		d.remaining -= uint64(n)
	}
	if err == io.EOF && d.remaining > 0 {
		return n, fmt.Errorf("winzip: ciphertext truncated: %w", io.ErrUnexpectedEOF)
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (d *Decryptor) checkTag() error {
	if d.checked {
		return d.tagErr
	}
	d.checked = true
	var tag [TagLen]byte
	if _, err := io.ReadFull(d.r, tag[:]); err != nil {
		d.tagErr = fmt.Errorf("winzip: read authentication tag: %w", err)
		return d.tagErr
	}
	want := d.mac.Sum(nil)[:TagLen]
	if subtle.ConstantTimeCompare(want, tag[:]) != 1 {
		d.tagErr = ErrAuthentication
	}
	return d.tagErr
}

// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package abdata

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"io"
	"unicode/utf8"

	"github.com/luci/luci-go/common/errors"

	"golang.org/x/crypto/pbkdf2"
)

// MasterKeySize is the size of the per-archive AES key, in bytes.
const MasterKeySize = 32

// DefaultSaltBytes and DefaultIterations are the values `adb backup`
// itself uses for freshly written archives.
const (
	DefaultSaltBytes  = 64
	DefaultIterations = 10000
)

// MasterKeys is the decrypted content of the header's master-key blob.
type MasterKeys struct {
	// IV is the CBC initialization vector for the archive body.
	IV []byte

	// Key is the AES-256 key for the archive body.
	Key []byte

	// Checksum is the stored master-key checksum.
	Checksum []byte
}

// Zero clears the key material.
func (m *MasterKeys) Zero() {
	zero(m.IV)
	zero(m.Key)
	zero(m.Checksum)
}

// deriveKey is the Android KDF: PBKDF2-HMAC-SHA1 over the raw secret bytes.
func deriveKey(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, MasterKeySize, sha1.New)
}

// mangleMasterKey reproduces what the Android-side Java does on its
// implicit conversion of the master key to a char[]: sign-extension smears
// the high bit of each byte into the upper char byte, and the chars are
// then UTF-8 encoded. Bytes below 0x80 stay single bytes; bytes at or
// above become the codepoint 0xFF00|b.
func mangleMasterKey(masterKey []byte) []byte {
	var buf bytes.Buffer
	var enc [utf8.UTFMax]byte
	for _, b := range masterKey {
		r := rune(b)
		if b >= 0x80 {
			r |= 0xFF00
		}
		n := utf8.EncodeRune(enc[:], r)
		buf.Write(enc[:n])
	}
	return buf.Bytes()
}

// keyChecksum computes a candidate master-key checksum. The Android-side
// algorithm is only partially documented; both the mangled and the raw
// encoding of the master key are seen in the wild, so readers must try
// both and writers emit the mangled variant.
func keyChecksum(masterKey, salt []byte, iterations int, mangled bool) []byte {
	secret := masterKey
	if mangled {
		secret = mangleMasterKey(masterKey)
	}
	return deriveKey(secret, salt, iterations)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.Reason("invalid padded data length %(len)d").
			D("len", len(data)).Err()
	}
	n := int(data[len(data)-1])
	if n < 1 || n > blockSize {
		return nil, errors.New("invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-n : len(data)-1] {
		if b != byte(n) {
			return nil, errors.New("invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-n], nil
}

// parseMasterBlob decodes the decrypted master-key blob. The blob is
// length-prefixed: [1;16] body IV, [1;32] master key, [1;32] checksum.
// A prefix that doesn't carry the expected length means the blob was
// decrypted with the wrong key.
func parseMasterBlob(blob []byte) (*MasterKeys, error) {
	next := func(want int) ([]byte, error) {
		if len(blob) < 1 || int(blob[0]) != want || len(blob) < 1+want {
			return nil, errors.New("failed to decrypt, wrong passphrase?")
		}
		data := blob[1 : 1+want]
		blob = blob[1+want:]
		return data, nil
	}

	m := &MasterKeys{}
	var err error
	if m.IV, err = next(aes.BlockSize); err != nil {
		return nil, err
	}
	if m.Key, err = next(MasterKeySize); err != nil {
		return nil, err
	}
	if m.Checksum, err = next(MasterKeySize); err != nil {
		return nil, err
	}
	return m, nil
}

func packMasterBlob(m *MasterKeys) []byte {
	blob := make([]byte, 0, 3+len(m.IV)+len(m.Key)+len(m.Checksum))
	for _, field := range [][]byte{m.IV, m.Key, m.Checksum} {
		blob = append(blob, byte(len(field)))
		blob = append(blob, field...)
	}
	return blob
}

// UnlockMaster derives the user key from passphrase, decrypts the header's
// master-key blob, and verifies the stored checksum (unless ignoreChecksum
// is set, for backups produced by weird Android firmwares).
func UnlockMaster(p *EncryptionParams, passphrase []byte, ignoreChecksum bool) (*MasterKeys, error) {
	userKey := deriveKey(passphrase, p.UserSalt, p.Iterations)
	defer zero(userKey)

	block, err := aes.NewCipher(userKey)
	if err != nil {
		return nil, errors.Annotate(err).Reason("user key cipher").Err()
	}
	if len(p.UserIV) != aes.BlockSize {
		return nil, errors.Reason("bad user IV length %(len)d").
			D("len", len(p.UserIV)).Err()
	}
	if len(p.UserBlob) == 0 || len(p.UserBlob)%aes.BlockSize != 0 {
		return nil, errors.Reason("bad master key blob length %(len)d").
			D("len", len(p.UserBlob)).Err()
	}

	padded := make([]byte, len(p.UserBlob))
	cipher.NewCBCDecrypter(block, p.UserIV).CryptBlocks(padded, p.UserBlob)
	blob, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, errors.New("failed to decrypt, wrong passphrase?")
	}

	m, err := parseMasterBlob(blob)
	if err != nil {
		return nil, err
	}

	ok := ignoreChecksum
	for _, mangled := range []bool{true, false} {
		if ok {
			break
		}
		ok = bytes.Equal(m.Checksum, keyChecksum(m.Key, p.ChecksumSalt, p.Iterations, mangled))
	}
	if !ok {
		return nil, errors.New("bad master key checksum, wrong passphrase?")
	}
	return m, nil
}

// NewEncryption generates fresh encryption parameters for a new archive:
// random salts, IVs and master key, the mangled-variant checksum, and the
// master-key blob encrypted under the passphrase-derived user key.
func NewEncryption(passphrase []byte, saltBytes, iterations int) (*EncryptionParams, *MasterKeys, error) {
	if saltBytes <= 0 {
		saltBytes = DefaultSaltBytes
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	random := func(n int) ([]byte, error) {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return nil, errors.Annotate(err).Reason("gathering randomness").Err()
		}
		return buf, nil
	}

	p := &EncryptionParams{Iterations: iterations}
	m := &MasterKeys{}
	var err error
	if p.UserSalt, err = random(saltBytes); err != nil {
		return nil, nil, err
	}
	if p.ChecksumSalt, err = random(saltBytes); err != nil {
		return nil, nil, err
	}
	if p.UserIV, err = random(aes.BlockSize); err != nil {
		return nil, nil, err
	}
	if m.IV, err = random(aes.BlockSize); err != nil {
		return nil, nil, err
	}
	if m.Key, err = random(MasterKeySize); err != nil {
		return nil, nil, err
	}
	m.Checksum = keyChecksum(m.Key, p.ChecksumSalt, iterations, true)

	userKey := deriveKey(passphrase, p.UserSalt, iterations)
	defer zero(userKey)
	block, err := aes.NewCipher(userKey)
	if err != nil {
		return nil, nil, errors.Annotate(err).Reason("user key cipher").Err()
	}

	padded := pkcs7Pad(packMasterBlob(m), aes.BlockSize)
	p.UserBlob = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, p.UserIV).CryptBlocks(p.UserBlob, padded)
	return p, m, nil
}

// decryptReader streams AES-CBC decryption, removing the PKCS#7 padding
// when the underlying ciphertext ends. The most recently decrypted cipher
// block is always held back: only once the next read proves more
// ciphertext follows can it be served as plaintext, since otherwise it
// carries the padding.
type decryptReader struct {
	r    io.Reader
	mode cipher.BlockMode

	ciphertext []byte
	plain      []byte
	off, lim   int
	held       [aes.BlockSize]byte
	haveHeld   bool
	eof        bool
	err        error
}

const cipherBufSize = 64 * 1024

// NewDecryptReader returns a ReadCloser producing the plaintext of the
// AES-256-CBC stream read from r. Closing it clears its plaintext and
// ciphertext buffers; it does not close r.
func NewDecryptReader(r io.Reader, m *MasterKeys) (io.ReadCloser, error) {
	block, err := aes.NewCipher(m.Key)
	if err != nil {
		return nil, errors.Annotate(err).Reason("body cipher").Err()
	}
	if len(m.IV) != aes.BlockSize {
		return nil, errors.Reason("bad body IV length %(len)d").D("len", len(m.IV)).Err()
	}
	dr := &decryptReader{
		r:          r,
		mode:       cipher.NewCBCDecrypter(block, m.IV),
		ciphertext: make([]byte, cipherBufSize),
		plain:      make([]byte, cipherBufSize+aes.BlockSize),
	}
	return readCloseHook{dr, func() error {
		zero(dr.plain)
		zero(dr.ciphertext)
		zero(dr.held[:])
		return nil
	}}, nil
}

func (d *decryptReader) fill() error {
	n, err := io.ReadFull(d.r, d.ciphertext)
	if n%aes.BlockSize != 0 {
		return errors.Reason("truncated ciphertext: %(n)d trailing bytes are not a whole cipher block").
			D("n", n%aes.BlockSize).Err()
	}

	d.off, d.lim = 0, 0
	total := 0
	if d.haveHeld {
		copy(d.plain, d.held[:])
		total = aes.BlockSize
	}
	if n > 0 {
		d.mode.CryptBlocks(d.plain[total:total+n], d.ciphertext[:n])
		total += n
	}

	switch err {
	case nil:
		copy(d.held[:], d.plain[total-aes.BlockSize:total])
		d.haveHeld = true
		d.lim = total - aes.BlockSize
		return nil
	case io.EOF, io.ErrUnexpectedEOF:
		d.eof = true
		if total == 0 {
			return errors.New("truncated ciphertext: missing final block")
		}
		unpadded, uerr := pkcs7Unpad(d.plain[total-aes.BlockSize:total], aes.BlockSize)
		if uerr != nil {
			return errors.Annotate(uerr).Reason("failed to decrypt, wrong passphrase?").Err()
		}
		d.haveHeld = false
		d.lim = total - aes.BlockSize + len(unpadded)
		return nil
	default:
		return errors.Annotate(err).Reason("reading ciphertext").Err()
	}
}

func (d *decryptReader) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	for d.off == d.lim {
		if d.eof {
			return 0, io.EOF
		}
		if err := d.fill(); err != nil {
			d.err = err
			return 0, err
		}
	}
	n := copy(p, d.plain[d.off:d.lim])
	d.off += n
	return n, nil
}

// encryptWriter streams AES-CBC encryption; Close pads the final block
// with PKCS#7 and flushes it.
type encryptWriter struct {
	w    io.Writer
	mode cipher.BlockMode

	partial []byte
	out     []byte
	closed  bool
}

// NewEncryptWriter returns a WriteCloser encrypting everything written to
// it with AES-256-CBC into w. Close finalises the padding; it does not
// close w.
func NewEncryptWriter(w io.Writer, m *MasterKeys) (io.WriteCloser, error) {
	block, err := aes.NewCipher(m.Key)
	if err != nil {
		return nil, errors.Annotate(err).Reason("body cipher").Err()
	}
	if len(m.IV) != aes.BlockSize {
		return nil, errors.Reason("bad body IV length %(len)d").D("len", len(m.IV)).Err()
	}
	return &encryptWriter{
		w:       w,
		mode:    cipher.NewCBCEncrypter(block, m.IV),
		partial: make([]byte, 0, aes.BlockSize),
		out:     make([]byte, cipherBufSize),
	}, nil
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errors.New("write to a finalised encrypted stream")
	}
	total := len(p)

	if len(e.partial) > 0 {
		n := copy(e.partial[len(e.partial):aes.BlockSize], p)
		e.partial = e.partial[:len(e.partial)+n]
		p = p[n:]
		if len(e.partial) < aes.BlockSize {
			return total, nil
		}
		e.mode.CryptBlocks(e.out[:aes.BlockSize], e.partial)
		if _, err := e.w.Write(e.out[:aes.BlockSize]); err != nil {
			return 0, err
		}
		e.partial = e.partial[:0]
	}

	for len(p) >= aes.BlockSize {
		n := len(p) - len(p)%aes.BlockSize
		if n > len(e.out) {
			n = len(e.out)
		}
		e.mode.CryptBlocks(e.out[:n], p[:n])
		if _, err := e.w.Write(e.out[:n]); err != nil {
			return 0, err
		}
		p = p[n:]
	}

	e.partial = append(e.partial, p...)
	return total, nil
}

func (e *encryptWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	final := pkcs7Pad(e.partial, aes.BlockSize)
	e.mode.CryptBlocks(final, final)
	_, err := e.w.Write(final)
	zero(e.out)
	return err
}

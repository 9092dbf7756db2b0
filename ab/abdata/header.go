// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package abdata

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/luci/luci-go/common/errors"
)

// Magic is the first header line of every Android Backup file.
const Magic = "ANDROID BACKUP"

// MinVersion and MaxVersion bound the Android Backup format versions this
// package knows how to handle.
const (
	MinVersion = 1
	MaxVersion = 5
)

// Names of the encryption algorithms the format supports.
const (
	EncryptionNone   = "none"
	EncryptionAES256 = "AES-256"
)

// EncryptionParams holds the encryption lines of the header, with the
// master-key blob kept encrypted exactly as found on the wire.
type EncryptionParams struct {
	UserSalt     []byte
	ChecksumSalt []byte
	Iterations   int
	UserIV       []byte

	// UserBlob is the master-key blob, AES-256-CBC encrypted under the key
	// derived from the user passphrase. Decrypt with UnlockMaster.
	UserBlob []byte
}

// Header is the parsed (or intended) textual header of an Android Backup
// file: format version, compression flag, and, when Encryption is non-nil,
// the AES-256 parameters.
type Header struct {
	Version    int
	Compressed bool

	// Encryption is nil iff the archive is unencrypted.
	Encryption *EncryptionParams
}

// EncryptionName returns the algorithm name the header line carries.
func (h *Header) EncryptionName() string {
	if h.Encryption != nil {
		return EncryptionAES256
	}
	return EncryptionNone
}

func readLine(br *bufio.Reader, what string) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", errors.Reason("unable to parse header: %(what)s: truncated").
			D("what", what).Err()
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func readInt(br *bufio.Reader, what string) (int, error) {
	line, err := readLine(br, what)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(line)
	if err != nil {
		return 0, errors.Reason("unable to parse header: %(what)s: %(line)q is not a number").
			D("what", what).D("line", line).Err()
	}
	return n, nil
}

func readHex(br *bufio.Reader, what string) ([]byte, error) {
	line, err := readLine(br, what)
	if err != nil {
		return nil, err
	}
	buf, err := hex.DecodeString(line)
	if err != nil {
		return nil, errors.Reason("unable to parse header: %(what)s: bad hex").
			D("what", what).Err()
	}
	return buf, nil
}

// ReadHeader parses the textual Android Backup header from br, leaving br
// positioned at the first body byte.
func ReadHeader(br *bufio.Reader) (*Header, error) {
	magic, err := readLine(br, "magic")
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, errors.Reason("bad magic: not an Android Backup file").Err()
	}

	h := &Header{}
	if h.Version, err = readInt(br, "version"); err != nil {
		return nil, err
	}
	if h.Version < MinVersion || h.Version > MaxVersion {
		return nil, errors.Reason("unsupported Android Backup version: %(version)d").
			D("version", h.Version).Err()
	}

	compression, err := readInt(br, "compression")
	if err != nil {
		return nil, err
	}
	switch compression {
	case 0:
		h.Compressed = false
	case 1:
		h.Compressed = true
	default:
		return nil, errors.Reason("unknown Android Backup compression: %(flag)d").
			D("flag", compression).Err()
	}

	algo, err := readLine(br, "encryption")
	if err != nil {
		return nil, err
	}
	switch strings.ToUpper(algo) {
	case "NONE":
		return h, nil
	case "AES-256":
		// fall through to the encryption lines below
	default:
		return nil, errors.Reason("unknown Android Backup encryption: %(algo)q").
			D("algo", algo).Err()
	}

	p := &EncryptionParams{}
	if p.UserSalt, err = readHex(br, "user salt"); err != nil {
		return nil, err
	}
	if p.ChecksumSalt, err = readHex(br, "checksum salt"); err != nil {
		return nil, err
	}
	if p.Iterations, err = readInt(br, "iterations"); err != nil {
		return nil, err
	}
	if p.Iterations <= 0 {
		return nil, errors.Reason("unable to parse header: non-positive iteration count %(n)d").
			D("n", p.Iterations).Err()
	}
	if p.UserIV, err = readHex(br, "user IV"); err != nil {
		return nil, err
	}
	if p.UserBlob, err = readHex(br, "master key blob"); err != nil {
		return nil, err
	}
	h.Encryption = p
	return h, nil
}

// WriteHeader emits the textual header for h. The body bytes follow
// immediately after, so w is left untouched beyond the last header line.
//
// Hex fields are emitted uppercase, matching the Android-side writer.
func WriteHeader(w io.Writer, h *Header) error {
	if h.Version < MinVersion || h.Version > MaxVersion {
		return errors.Reason("unsupported Android Backup version: %(version)d").
			D("version", h.Version).Err()
	}

	compression := 0
	if h.Compressed {
		compression = 1
	}
	if _, err := fmt.Fprintf(w, "%s\n%d\n%d\n%s\n",
		Magic, h.Version, compression, h.EncryptionName()); err != nil {
		return err
	}

	if p := h.Encryption; p != nil {
		_, err := fmt.Fprintf(w, "%X\n%X\n%d\n%X\n%X\n",
			p.UserSalt, p.ChecksumSalt, p.Iterations, p.UserIV, p.UserBlob)
		return err
	}
	return nil
}

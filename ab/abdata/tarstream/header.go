// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tarstream

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/luci/luci-go/common/errors"
)

// BlockSize is the TAR block size; headers, payload padding, and the
// archive terminator are all multiples of it.
const BlockSize = 512

// MaxPaxPayload caps the payload of a single PAX extended header. Real
// ones are a few KiB at most.
const MaxPaxPayload = 1 << 20

// The TAR type flags this package cares about. Everything else passes
// through verbatim.
const (
	TypeRegular     = '0'
	TypeRegularNul  = 0
	TypeHardLink    = '1'
	TypeSymLink     = '2'
	TypeChar        = '3'
	TypeBlock       = '4'
	TypeDir         = '5'
	TypeFifo        = '6'
	TypePaxNext     = 'x'
	TypePaxGlobal   = 'g'
)

// PaxRecord is a single key=value record of a PAX extended header, in the
// order it appears on the wire.
type PaxRecord struct {
	Key   string
	Value []byte
}

// Header is the decoded view of a single TAR entry. Numeric fields and
// strings reflect PAX overrides where present; Raw always holds the
// verbatim wire bytes (the 512-byte header block, preceded by the raw
// extended header region when the entry carries one).
type Header struct {
	Path     string
	Mode     int64
	UID      int64
	GID      int64
	Size     int64
	Padding  int64
	ModTime  int64
	Checksum int64
	TypeFlag byte
	LinkPath string
	Uname    string
	Gname    string
	DevMajor int64
	DevMinor int64

	Raw []byte
	Pax []PaxRecord
}

// nulTerminated decodes a NUL-terminated field.
func nulTerminated(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parseNumeric decodes a TAR numeric field, either NUL/space-terminated
// octal or GNU base-256 (leading byte 0x80, or 0xFF for negatives).
func parseNumeric(b []byte) (int64, error) {
	if len(b) > 0 && (b[0] == 0x80 || b[0] == 0xFF) {
		var n int64
		if b[0] == 0xFF {
			n = -1
		}
		for _, c := range b[1:] {
			n = n<<8 | int64(c)
		}
		return n, nil
	}
	s := strings.TrimSpace(strings.Trim(nulTerminated(b), " "))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 8, 64)
	if err != nil {
		return 0, errors.Reason("invalid TAR header: bad numeric field %(field)q").
			D("field", s).Err()
	}
	return n, nil
}

// verifyBlockChecksum validates the header block's checksum: the unsigned
// sum of all 512 bytes with the checksum field itself read as spaces.
func verifyBlockChecksum(block []byte) error {
	stored, err := parseNumeric(block[148:156])
	if err != nil {
		return err
	}
	var sum int64
	for i, c := range block {
		if i >= 148 && i < 156 {
			c = ' '
		}
		sum += int64(c)
	}
	if sum != stored {
		return errors.Reason("mismatched TAR header checksum: %(actual)d expected %(nominal)d").
			D("actual", sum).D("nominal", stored).Err()
	}
	return nil
}

// padding returns the number of bytes rounding size up to a whole block.
func padding(size int64) int64 {
	if size%BlockSize == 0 {
		return 0
	}
	return BlockSize - size%BlockSize
}

// parseBlock decodes one 512-byte ustar header block. It does not apply
// PAX overrides; the Reader does that.
func parseBlock(block []byte) (*Header, error) {
	if string(block[257:265]) != "ustar\x0000" {
		return nil, errors.New("invalid TAR header, expecting UStar format")
	}
	if err := verifyBlockChecksum(block); err != nil {
		return nil, err
	}

	h := &Header{
		Path:     nulTerminated(block[0:100]),
		TypeFlag: block[156],
		LinkPath: nulTerminated(block[157:257]),
		Uname:    nulTerminated(block[265:297]),
		Gname:    nulTerminated(block[297:329]),
	}

	var err error
	num := func(dst *int64, field []byte) {
		if err != nil {
			return
		}
		*dst, err = parseNumeric(field)
	}
	num(&h.Mode, block[100:108])
	num(&h.UID, block[108:116])
	num(&h.GID, block[116:124])
	num(&h.Size, block[124:136])
	num(&h.ModTime, block[136:148])
	num(&h.Checksum, block[148:156])
	num(&h.DevMajor, block[329:337])
	num(&h.DevMinor, block[337:345])
	if err != nil {
		return nil, err
	}

	if prefix := nulTerminated(block[345:500]); prefix != "" {
		h.Path = prefix + "/" + h.Path
	}
	return h, nil
}

// parsePaxRecords decodes the "%d key=value\n" records of a PAX extended
// header payload, preserving their order.
func parsePaxRecords(data []byte) ([]PaxRecord, error) {
	bad := func() error {
		return errors.New("invalid PAX header data")
	}

	var recs []PaxRecord
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp < 0 {
			return nil, bad()
		}
		size, err := strconv.Atoi(string(data[:sp]))
		if err != nil || size < 1 || size > len(data) || data[size-1] != '\n' {
			return nil, bad()
		}
		rec := data[sp+1 : size-1]
		data = data[size:]

		eq := bytes.IndexByte(rec, '=')
		if eq < 0 {
			return nil, bad()
		}
		recs = append(recs, PaxRecord{
			Key:   string(rec[:eq]),
			Value: append([]byte(nil), rec[eq+1:]...),
		})
	}
	return recs, nil
}

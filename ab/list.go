// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ab

import (
	"fmt"
	"io"
	"time"

	"github.com/luci/luci-go/common/errors"

	"github.com/Own-Data-Privateer/hoardy-adb/ab/abdata/tarstream"
)

// List renders the archive the way `tar -tvf` would, prefixed with the
// envelope parameters: version, compression, encryption, and, when
// encrypted, the iteration count and salt sizes (never key material).
// The entry lines depend only on the TAR stream, so they are stable
// across re-encodings of the same archive.
func List(w io.Writer, b *Backup) error {
	h := b.Header
	compression := 0
	if h.Compressed {
		compression = 1
	}
	if _, err := fmt.Fprintf(w, "# Android Backup, version: %d, compression: %d, encryption: %s\n",
		h.Version, compression, h.EncryptionName()); err != nil {
		return err
	}
	if p := h.Encryption; p != nil {
		if _, err := fmt.Fprintf(w, "# AES-256 parameters: PBKDF2 iterations: %d, user salt: %d bytes, checksum salt: %d bytes\n",
			p.Iterations, len(p.UserSalt), len(p.ChecksumSalt)); err != nil {
			return err
		}
	}

	tr := tarstream.NewReader(b.Body)
	for {
		ent, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if ent.TypeFlag == tarstream.TypePaxGlobal {
			continue
		}

		line, err := formatEntry(&ent.Header)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
}

func typeChar(flag byte) (byte, error) {
	switch flag {
	case tarstream.TypeRegular, tarstream.TypeRegularNul:
		return '-', nil
	case tarstream.TypeHardLink:
		return 'h', nil
	case tarstream.TypeSymLink:
		return 'l', nil
	case tarstream.TypeChar:
		return 'c', nil
	case tarstream.TypeBlock:
		return 'b', nil
	case tarstream.TypeDir:
		return 'd', nil
	case tarstream.TypeFifo:
		return 'f', nil
	}
	return 0, errors.Reason("unknown TAR header file type: %(flag)q").
		D("flag", string(flag)).Err()
}

func modeString(mode int64) string {
	var buf [9]byte
	rwx := "rwxrwxrwx"
	for i := range buf {
		if mode&(1<<uint(8-i)) != 0 {
			buf[i] = rwx[i]
		} else {
			buf[i] = '-'
		}
	}
	return string(buf[:])
}

func ownerString(uid, gid int64, uname, gname string) string {
	if uname == "" {
		uname = fmt.Sprintf("%d", uid)
	}
	if gname == "" {
		gname = fmt.Sprintf("%d", gid)
	}
	return uname + "/" + gname
}

func formatEntry(h *tarstream.Header) (string, error) {
	tchar, err := typeChar(h.TypeFlag)
	if err != nil {
		return "", err
	}

	line := fmt.Sprintf("%c%s %-12s %8d %s %s",
		tchar, modeString(h.Mode),
		ownerString(h.UID, h.GID, h.Uname, h.Gname),
		h.Size,
		time.Unix(h.ModTime, 0).Format("2006-01-02 15:04:05"),
		h.Path)

	switch h.TypeFlag {
	case tarstream.TypeSymLink:
		line += " -> " + h.LinkPath
	case tarstream.TypeHardLink:
		line += " link to " + h.LinkPath
	}
	return line, nil
}

// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package abdata

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	. "github.com/luci/luci-go/common/testing/assertions"
	. "github.com/smartystreets/goconvey/convey"
)

func bufOf(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestHeader(t *testing.T) {
	t.Parallel()

	Convey("Header", t, func() {
		Convey("read", func() {
			Convey("plain", func() {
				h, err := ReadHeader(bufOf("ANDROID BACKUP\n5\n0\nnone\nTARBYTES"))
				So(err, ShouldBeNil)
				So(h.Version, ShouldEqual, 5)
				So(h.Compressed, ShouldBeFalse)
				So(h.Encryption, ShouldBeNil)
			})

			Convey("compressed", func() {
				h, err := ReadHeader(bufOf("ANDROID BACKUP\n3\n1\nnone\n"))
				So(err, ShouldBeNil)
				So(h.Version, ShouldEqual, 3)
				So(h.Compressed, ShouldBeTrue)
			})

			Convey("leaves the body alone", func() {
				br := bufOf("ANDROID BACKUP\n5\n0\nnone\nTARBYTES")
				_, err := ReadHeader(br)
				So(err, ShouldBeNil)
				rest := make([]byte, 8)
				_, err = br.Read(rest)
				So(err, ShouldBeNil)
				So(string(rest), ShouldResemble, "TARBYTES")
			})

			Convey("encrypted", func() {
				h, err := ReadHeader(bufOf(
					"ANDROID BACKUP\n5\n1\nAES-256\n" +
						"AABB\nCCDD\n10000\n00112233445566778899AABBCCDDEEFF\nFF00\n"))
				So(err, ShouldBeNil)
				So(h.Compressed, ShouldBeTrue)
				So(h.Encryption, ShouldNotBeNil)
				So(h.Encryption.UserSalt, ShouldResemble, []byte{0xAA, 0xBB})
				So(h.Encryption.ChecksumSalt, ShouldResemble, []byte{0xCC, 0xDD})
				So(h.Encryption.Iterations, ShouldEqual, 10000)
				So(h.Encryption.UserIV, ShouldHaveLength, 16)
				So(h.Encryption.UserBlob, ShouldResemble, []byte{0xFF, 0x00})
			})

			Convey("bad magic", func() {
				_, err := ReadHeader(bufOf("ANDROID RESTORE\n5\n0\nnone\n"))
				So(err, ShouldErrLike, "not an Android Backup file")
			})

			Convey("unsupported versions", func() {
				_, err := ReadHeader(bufOf("ANDROID BACKUP\n0\n0\nnone\n"))
				So(err, ShouldErrLike, "unsupported Android Backup version: 0")

				_, err = ReadHeader(bufOf("ANDROID BACKUP\n6\n0\nnone\n"))
				So(err, ShouldErrLike, "unsupported Android Backup version: 6")
			})

			Convey("malformed", func() {
				Convey("non-numeric version", func() {
					_, err := ReadHeader(bufOf("ANDROID BACKUP\nfive\n0\nnone\n"))
					So(err, ShouldErrLike, "is not a number")
				})

				Convey("bad compression flag", func() {
					_, err := ReadHeader(bufOf("ANDROID BACKUP\n5\n2\nnone\n"))
					So(err, ShouldErrLike, "unknown Android Backup compression: 2")
				})

				Convey("bad algorithm", func() {
					_, err := ReadHeader(bufOf("ANDROID BACKUP\n5\n0\nROT13\n"))
					So(err, ShouldErrLike, `unknown Android Backup encryption: "ROT13"`)
				})

				Convey("bad hex", func() {
					_, err := ReadHeader(bufOf("ANDROID BACKUP\n5\n1\nAES-256\nXYZ\n"))
					So(err, ShouldErrLike, "user salt: bad hex")
				})

				Convey("missing lines", func() {
					_, err := ReadHeader(bufOf("ANDROID BACKUP\n5\n1\nAES-256\nAABB\n"))
					So(err, ShouldErrLike, "checksum salt: truncated")
				})

				Convey("unterminated line", func() {
					_, err := ReadHeader(bufOf("ANDROID BACKUP"))
					So(err, ShouldErrLike, "magic: truncated")
				})
			})
		})

		Convey("write", func() {
			Convey("plain", func() {
				buf := &bytes.Buffer{}
				So(WriteHeader(buf, &Header{Version: 4, Compressed: true}), ShouldBeNil)
				So(buf.String(), ShouldResemble, "ANDROID BACKUP\n4\n1\nnone\n")
			})

			Convey("out of range version", func() {
				So(WriteHeader(&bytes.Buffer{}, &Header{Version: 6}),
					ShouldErrLike, "unsupported Android Backup version: 6")
			})

			Convey("encrypted, hex uppercased", func() {
				buf := &bytes.Buffer{}
				h := &Header{
					Version: 5,
					Encryption: &EncryptionParams{
						UserSalt:     []byte{0xAB},
						ChecksumSalt: []byte{0xCD},
						Iterations:   10000,
						UserIV:       []byte{0xEF},
						UserBlob:     []byte{0x01, 0x23},
					},
				}
				So(WriteHeader(buf, h), ShouldBeNil)
				So(buf.String(), ShouldResemble,
					"ANDROID BACKUP\n5\n0\nAES-256\nAB\nCD\n10000\nEF\n0123\n")
			})

			Convey("round trip", func() {
				buf := &bytes.Buffer{}
				h := &Header{
					Version:    2,
					Compressed: true,
					Encryption: &EncryptionParams{
						UserSalt:     bytes.Repeat([]byte{0x42}, 64),
						ChecksumSalt: bytes.Repeat([]byte{0x17}, 64),
						Iterations:   10000,
						UserIV:       bytes.Repeat([]byte{0x05}, 16),
						UserBlob:     bytes.Repeat([]byte{0x99}, 96),
					},
				}
				So(WriteHeader(buf, h), ShouldBeNil)
				back, err := ReadHeader(bufio.NewReader(buf))
				So(err, ShouldBeNil)
				So(back, ShouldResemble, h)
			})
		})
	})
}

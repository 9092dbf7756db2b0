// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tarstream

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	. "github.com/luci/luci-go/common/testing/assertions"
	. "github.com/smartystreets/goconvey/convey"
)

// testBlock builds a valid ustar header block with a correct checksum.
func testBlock(path string, typeflag byte, size int) []byte {
	block := make([]byte, BlockSize)
	copy(block, path)
	copy(block[100:], "0000644\x00")
	copy(block[108:], "0001000\x00")
	copy(block[116:], "0001000\x00")
	copy(block[124:], fmt.Sprintf("%011o\x00", size))
	copy(block[136:], "00000000000\x00")
	block[156] = typeflag
	copy(block[257:], "ustar\x0000")

	for i := 148; i < 156; i++ {
		block[i] = ' '
	}
	sum := 0
	for _, c := range block {
		sum += int(c)
	}
	copy(block[148:], fmt.Sprintf("%06o\x00 ", sum))
	return block
}

// testFile is a regular file entry: header block plus padded payload.
func testFile(path, data string) []byte {
	out := testBlock(path, TypeRegular, len(data))
	out = append(out, data...)
	if pad := padding(int64(len(data))); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out
}

// testPax is an `x` or `g` extended header carrying the given records.
func testPax(typeflag byte, records ...string) []byte {
	var payload []byte
	for _, rec := range records {
		// total length includes its own decimal digits
		size := len(rec) + 3
		if size >= 10 {
			size++
		}
		payload = append(payload, fmt.Sprintf("%d %s\n", size, rec)...)
	}
	out := testBlock("pax", typeflag, len(payload))
	out = append(out, payload...)
	if pad := padding(int64(len(payload))); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out
}

func testArchive(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return append(out, make([]byte, 2*BlockSize)...)
}

func readAllEntries(data []byte) ([]*Entry, [][]byte, error) {
	tr := NewReader(bytes.NewReader(data))
	var ents []*Entry
	var bodies [][]byte
	for {
		ent, err := tr.Next()
		if err == io.EOF {
			return ents, bodies, nil
		}
		if err != nil {
			return ents, bodies, err
		}
		body, err := io.ReadAll(ent.Body)
		if err != nil {
			return ents, bodies, err
		}
		ents = append(ents, ent)
		bodies = append(bodies, body)
	}
}

func TestReader(t *testing.T) {
	t.Parallel()

	Convey("Reader", t, func() {
		Convey("plain entries", func() {
			data := testArchive(
				testFile("shared/data.xml", "<xml/>"),
				testFile("apps/a/_manifest", ""),
			)
			ents, bodies, err := readAllEntries(data)
			So(err, ShouldBeNil)
			So(ents, ShouldHaveLength, 2)

			So(ents[0].Path, ShouldEqual, "shared/data.xml")
			So(ents[0].Size, ShouldEqual, 6)
			So(ents[0].Padding, ShouldEqual, 506)
			So(ents[0].Mode, ShouldEqual, 0644)
			So(ents[0].UID, ShouldEqual, 0o1000)
			So(string(bodies[0][:6]), ShouldResemble, "<xml/>")

			So(ents[1].Path, ShouldEqual, "apps/a/_manifest")
			So(ents[1].Size, ShouldEqual, 0)
		})

		Convey("prefix field joins the path", func() {
			block := make([]byte, BlockSize)
			copy(block, testBlock("name", TypeRegular, 0))
			copy(block[345:], "some/prefix")
			// re-checksum after editing the prefix
			for i := 148; i < 156; i++ {
				block[i] = ' '
			}
			sum := 0
			for _, c := range block {
				sum += int(c)
			}
			copy(block[148:], fmt.Sprintf("%06o\x00 ", sum))

			ents, _, err := readAllEntries(testArchive(block))
			So(err, ShouldBeNil)
			So(ents[0].Path, ShouldEqual, "some/prefix/name")
		})

		Convey("pax overrides", func() {
			data := testArchive(
				testPax(TypePaxNext, "path=override/path", "size=6"),
				testFile("short", "<xml/>"),
			)
			ents, bodies, err := readAllEntries(data)
			So(err, ShouldBeNil)
			So(ents, ShouldHaveLength, 1)
			So(ents[0].Path, ShouldEqual, "override/path")
			So(ents[0].Size, ShouldEqual, 6)
			So(string(bodies[0][:6]), ShouldResemble, "<xml/>")

			// the extended header region is part of the entry's raw bytes
			So(len(ents[0].Raw), ShouldEqual, 3*BlockSize)
			So(ents[0].Pax, ShouldResemble, []PaxRecord{
				{Key: "path", Value: []byte("override/path")},
				{Key: "size", Value: []byte("6")},
			})
		})

		Convey("global header entries", func() {
			data := testArchive(
				testPax(TypePaxGlobal, "uname=app"),
				testFile("f", ""),
			)
			ents, _, err := readAllEntries(data)
			So(err, ShouldBeNil)
			So(ents, ShouldHaveLength, 2)
			So(ents[0].TypeFlag, ShouldEqual, TypePaxGlobal)
			So(ents[1].Path, ShouldEqual, "f")
			So(ents[1].Uname, ShouldEqual, "app")
		})

		Convey("oversized pax header", func() {
			block := testBlock("pax", TypePaxNext, MaxPaxPayload+1)
			_, _, err := readAllEntries(append(block, make([]byte, 2*BlockSize)...))
			So(err, ShouldErrLike, "PAX extended header too large")
		})

		Convey("dangling extended header", func() {
			data := testArchive(testPax(TypePaxNext, "path=x"))
			_, _, err := readAllEntries(data)
			So(err, ShouldErrLike, "extended header not followed by an entry")
		})

		Convey("checksum mismatch", func() {
			data := testFile("f", "data")
			data[0] ^= 1 // break the path without fixing the checksum
			_, _, err := readAllEntries(testArchive(data))
			So(err, ShouldErrLike, "mismatched TAR header checksum")
		})

		Convey("not ustar", func() {
			block := testBlock("f", TypeRegular, 0)
			copy(block[257:], "gnutar\x000")
			_, _, err := readAllEntries(testArchive(block))
			So(err, ShouldErrLike, "expecting UStar format")
		})

		Convey("truncation", func() {
			data := testArchive(testFile("f", "data"))

			Convey("inside a header", func() {
				_, _, err := readAllEntries(data[:100])
				So(err, ShouldErrLike, "truncated archive")
			})

			Convey("before the terminator", func() {
				_, _, err := readAllEntries(data[:len(data)-2*BlockSize])
				So(err, ShouldErrLike, "truncated archive")
			})

			Convey("lone zero block", func() {
				mangled := append([]byte{}, data...)
				mangled = append(mangled[:len(mangled)-BlockSize], testBlock("g", TypeRegular, 0)...)
				_, _, err := readAllEntries(mangled)
				So(err, ShouldErrLike, "lone zero block")
			})
		})

		Convey("trailing bytes are left alone", func() {
			data := append(testArchive(testFile("f", "data")), "junk"...)
			ents, _, err := readAllEntries(data)
			So(err, ShouldBeNil)
			So(ents, ShouldHaveLength, 1)
		})

		Convey("after EOF it stays EOF", func() {
			tr := NewReader(bytes.NewReader(testArchive()))
			_, err := tr.Next()
			So(err, ShouldEqual, io.EOF)
			_, err = tr.Next()
			So(err, ShouldEqual, io.EOF)
		})
	})
}

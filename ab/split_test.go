// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ab

import (
	"bytes"
	"io"
	"testing"

	"golang.org/x/net/context"

	. "github.com/luci/luci-go/common/testing/assertions"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/Own-Data-Privateer/hoardy-adb/ab/abdata/tarstream"
)

// memSplit runs Split over a plain envelope around tar, collecting each
// output group as a plain Android Backup file in memory.
func memSplit(tar []byte, version int) (names []string, outputs []*bytes.Buffer, err error) {
	b, err := Open(bytes.NewReader(plainEnvelope(version, tar)))
	if err != nil {
		return nil, nil, err
	}
	defer b.Close()

	_, err = Split(context.Background(), b, func(n int, pkg string) (io.WriteCloser, error) {
		buf := &bytes.Buffer{}
		names = append(names, SplitName("pfx", n, pkg))
		outputs = append(outputs, buf)
		return Create(buf, version)
	})
	return names, outputs, err
}

func entryPaths(archive []byte) []string {
	b, err := Open(bytes.NewReader(archive))
	So(err, ShouldBeNil)
	defer b.Close()

	var paths []string
	tr := tarstream.NewReader(b.Body)
	for {
		ent, err := tr.Next()
		if err == io.EOF {
			return paths
		}
		So(err, ShouldBeNil)
		paths = append(paths, ent.Path)
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	Convey("Split", t, func() {
		Convey("no preamble when the first entry is a manifest", func() {
			tar := tarArchive(
				tarFile("apps/a/_manifest", "m"),
				tarFile("apps/a/f.dat", "data"),
				tarFile("apps/b/_manifest", "m"),
			)
			names, outputs, err := memSplit(tar, 5)
			So(err, ShouldBeNil)
			So(names, ShouldResemble, []string{"pfx_000_a.ab", "pfx_001_b.ab"})
			So(entryPaths(outputs[0].Bytes()), ShouldResemble,
				[]string{"apps/a/_manifest", "apps/a/f.dat"})
			So(entryPaths(outputs[1].Bytes()), ShouldResemble,
				[]string{"apps/b/_manifest"})
		})

		Convey("leading entries form the preamble group", func() {
			tar := tarArchive(
				tarFile("shared/data.xml", "<xml/>"),
				tarFile("apps/a/_manifest", "m"),
				tarFile("apps/a/f.dat", "data"),
				tarFile("apps/b/_manifest", "m"),
			)
			names, outputs, err := memSplit(tar, 5)
			So(err, ShouldBeNil)
			So(names, ShouldResemble,
				[]string{"pfx_000_.ab", "pfx_001_a.ab", "pfx_002_b.ab"})
			So(entryPaths(outputs[0].Bytes()), ShouldResemble, []string{"shared/data.xml"})
		})

		Convey("a repeated marker for the same package is not a boundary", func() {
			tar := tarArchive(
				tarFile("apps/a/_manifest", "m"),
				tarFile("apps/a/_manifest", "m"),
				tarFile("apps/a/f.dat", "data"),
			)
			names, _, err := memSplit(tar, 5)
			So(err, ShouldBeNil)
			So(names, ShouldResemble, []string{"pfx_000_a.ab"})
		})

		Convey("an entry-less archive still produces one output", func() {
			names, outputs, err := memSplit(tarArchive(), 5)
			So(err, ShouldBeNil)
			So(names, ShouldResemble, []string{"pfx_000_.ab"})
			So(entryPaths(outputs[0].Bytes()), ShouldBeNil)
		})

		Convey("bad package names are rejected", func() {
			tar := tarArchive(tarFile("apps/../_manifest", "m"))
			_, _, err := memSplit(tar, 5)
			So(err, ShouldErrLike, `bad package name ".."`)
		})

		Convey("raw bodies can't be split", func() {
			buf := &bytes.Buffer{}
			sink, err := Create(buf, 5)
			So(err, ShouldBeNil)
			_, err = sink.Write(tarArchive())
			So(err, ShouldBeNil)
			So(sink.Close(), ShouldBeNil)

			b, err := Open(bytes.NewReader(buf.Bytes()), WithRawBody(true))
			So(err, ShouldBeNil)
			defer b.Close()
			_, err = Split(context.Background(), b, nil)
			So(err, ShouldErrLike, "cannot split a raw")
		})
	})
}

func TestMergeSplitIdentity(t *testing.T) {
	t.Parallel()

	Convey("merge(split(S)) == strip(S)", t, func() {
		tar := tarArchive(
			tarFile("shared/data.xml", "<xml/>"),
			tarFile("apps/a/_manifest", "m"),
			tarFile("apps/a/f.dat", "data"),
			tarFile("apps/b/_manifest", "m"),
		)

		_, outputs, err := memSplit(tar, 5)
		So(err, ShouldBeNil)
		So(outputs, ShouldHaveLength, 3)

		sources := make([]Source, len(outputs))
		for i, buf := range outputs {
			buf := buf
			sources[i] = func() (*Backup, error) {
				return Open(bytes.NewReader(buf.Bytes()))
			}
		}

		merged := &bytes.Buffer{}
		err = Merge(context.Background(), sources, func(version int) (io.WriteCloser, error) {
			So(version, ShouldEqual, 5)
			return Create(merged, version)
		})
		So(err, ShouldBeNil)
		So(merged.Bytes(), ShouldResemble, plainEnvelope(5, tar))
	})

	Convey("merge rejects mismatched versions", t, func() {
		a := plainEnvelope(5, tarArchive(tarFile("a", "")))
		b := plainEnvelope(4, tarArchive(tarFile("b", "")))

		sources := []Source{
			func() (*Backup, error) { return Open(bytes.NewReader(a)) },
			func() (*Backup, error) { return Open(bytes.NewReader(b)) },
		}
		err := Merge(context.Background(), sources, func(version int) (io.WriteCloser, error) {
			return Create(io.Discard, version)
		})
		So(err, ShouldErrLike, "different versions")
	})

	Convey("merge of nothing fails", t, func() {
		err := Merge(context.Background(), nil, nil)
		So(err, ShouldErrLike, "nothing to merge")
	})
}

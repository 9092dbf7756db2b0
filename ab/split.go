// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ab

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/luci/luci-go/common/data/stringset"
	"github.com/luci/luci-go/common/errors"
	"github.com/luci/luci-go/common/logging"

	"golang.org/x/net/context"

	"github.com/Own-Data-Privateer/hoardy-adb/ab/abdata/tarstream"
)

// appManifestRe matches the entry that opens a per-app section of a
// full-system backup.
var appManifestRe = regexp.MustCompile(`^apps/([^/]+)/_manifest$`)

// SinkFactory opens the TAR-byte sink for output group n (0-based) of
// package pkg. The preamble group, if any, has the empty package name.
// The factory typically wraps Create over a freshly opened file.
type SinkFactory func(n int, pkg string) (io.WriteCloser, error)

// SplitName renders the conventional per-app output file name.
func SplitName(prefix string, n int, pkg string) string {
	return fmt.Sprintf("%s_%03d_%s.ab", prefix, n, pkg)
}

// Split cuts the TAR stream of b into per-app groups and writes each
// group, with its own terminator, into a sink obtained from newSink.
//
// A group starts at every `apps/<package>/_manifest` entry whose package
// differs from the current group's; entries before the first such marker
// form the preamble group (package ""). An archive without markers, even
// an entry-less one, produces exactly one output. Returns the number of
// outputs produced.
func Split(ctx context.Context, b *Backup, newSink SinkFactory) (int, error) {
	if b.RawBody {
		return 0, errors.New("cannot split a raw (still compressed) body")
	}

	tr := tarstream.NewReader(b.Body)
	seen := stringset.New(0)

	var tw *tarstream.Writer
	var sink io.WriteCloser
	groups := 0
	pkg := ""

	finish := func() error {
		if tw == nil {
			return nil
		}
		if err := tw.Close(); err != nil {
			return err
		}
		tw = nil
		return sink.Close()
	}

	rotate := func(p string) error {
		if err := finish(); err != nil {
			return err
		}
		s, err := newSink(groups, p)
		if err != nil {
			return err
		}
		sink, tw, pkg = s, tarstream.NewWriter(s), p
		if p != "" && !seen.Add(p) {
			logging.Warningf(ctx, "package %q opens more than one group", p)
		}
		logging.Infof(ctx, "splitting group %d, package %q", groups, p)
		groups++
		return nil
	}

	for {
		ent, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			finish()
			return groups, err
		}

		if p, ok := boundary(ent); ok {
			if strings.Contains(p, "..") {
				finish()
				return groups, errors.Reason("bad package name %(pkg)q").D("pkg", p).Err()
			}
			if tw == nil || p != pkg {
				if err := rotate(p); err != nil {
					return groups, err
				}
			}
		} else if tw == nil {
			if err := rotate(""); err != nil {
				return groups, err
			}
		}

		if err := tw.WriteEntry(ent); err != nil {
			finish()
			return groups, err
		}
	}

	if tw == nil {
		if err := rotate(""); err != nil {
			return groups, err
		}
	}
	return groups, finish()
}

func boundary(ent *tarstream.Entry) (string, bool) {
	if ent.TypeFlag == tarstream.TypePaxGlobal {
		return "", false
	}
	m := appManifestRe.FindStringSubmatch(ent.Path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

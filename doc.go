// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package hoardyadb implements reading, writing, and restructuring of
// Android Backup files (`*.ab`, `*.adb`), the format produced by `adb
// backup`, `bmgr`, and similar tools.
//
// An Android Backup file has a fairly basic format:
//   - a short textual header: "ANDROID BACKUP\n", a decimal format version,
//     a 0/1 compression flag, and an encryption algorithm name ("none" or
//     "AES-256"), each on its own '\n'-terminated line
//   - when encrypted, five more header lines: user salt, checksum salt,
//     PBKDF2 iteration count, user-key IV, and the master-key blob
//     encrypted under the user key, all hex except the iteration count
//   - the body: a PAX-formatted TAR stream, optionally deflated with zlib
//     (the only compression the format supports), optionally encrypted
//     with AES-256-CBC under a per-archive master key (the only encryption
//     the format supports)
//
// The body layers nest strictly: ciphertext wraps zlib wraps tar. Every
// layer here is streamed, so archives of any size can be processed in
// constant memory.
//
// The interesting operation is splitting: a full-system backup is a single
// tar whose per-app sections each begin with an `apps/<package>/_manifest`
// entry. Package ab can cut the stream at those boundaries into standalone
// per-app Android Backup files, and merge such files back into a single
// archive that is byte-identical to the original with encryption and
// compression stripped.
//
// Package layout: ab holds the verbs (Open, Create, Rewrap, Split, Merge,
// List), ab/abdata the envelope wire codec (header grammar, key material,
// body cipher and compression layers), and ab/abdata/tarstream the
// streaming PAX tar reader/writer.
package hoardyadb

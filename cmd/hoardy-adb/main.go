// Copyright 2017 Robert Iannucci Jr. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command hoardy-adb is a Swiss-army-knife-like utility for manipulating
// Android Backup files (`*.ab`, `*.adb`) produced by `adb backup`,
// `bmgr`, and similar tools.
package main

import (
	"compress/zlib"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/luci/luci-go/common/errors"
	"github.com/luci/luci-go/common/logging"
	"github.com/luci/luci-go/common/logging/gologger"

	"golang.org/x/crypto/ssh/terminal"
	"golang.org/x/net/context"

	"github.com/Own-Data-Privateer/hoardy-adb/ab"
	"github.com/Own-Data-Privateer/hoardy-adb/ab/abdata"
)

const progVersion = "1.0.0"

func main() {
	defer func() {
		if p := recover(); p != nil {
			fmt.Fprintf(os.Stderr, "internal error: %v\n", p)
			os.Exit(2)
		}
	}()

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)
	go func() {
		<-interrupted
		fmt.Fprintln(os.Stderr, "Interrupted.")
		os.Exit(1)
	}()

	ctx := gologger.StdConfig.Use(context.Background())
	if !terminal.IsTerminal(int(os.Stderr.Fd())) {
		// let's not clutter the stream when inside a pipe
		ctx = logging.SetLevel(ctx, logging.Warning)
	}

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	markdown := false
	for len(args) > 0 {
		switch args[0] {
		case "--version":
			fmt.Printf("hoardy-adb version %s\n", progVersion)
			return nil
		case "-h", "--help":
			printHelp(os.Stdout, markdown)
			return nil
		case "--markdown":
			markdown = true
			args = args[1:]
			continue
		}
		break
	}
	if markdown {
		printHelp(os.Stdout, true)
		return nil
	}
	if len(args) == 0 {
		printHelp(os.Stderr, false)
		return errors.New("no subcommand specified")
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "ls", "list":
		return cmdLs(ctx, rest)
	case "rewrap", "strip", "ab2ab":
		return cmdRewrap(ctx, rest)
	case "split", "ab2many":
		return cmdSplit(ctx, rest)
	case "merge", "many2ab":
		return cmdMerge(ctx, rest)
	case "unwrap", "ab2tar":
		return cmdUnwrap(ctx, rest)
	case "wrap", "tar2ab":
		return cmdWrap(ctx, rest)
	}
	return errors.Reason("unknown subcommand %(sub)q").D("sub", sub).Err()
}

// passOpts are the input decryption options shared by every subcommand
// that reads Android Backup files.
type passOpts struct {
	passphrase     string
	passfile       string
	ignoreChecksum bool
}

func addPassFlags(fs *flag.FlagSet, o *passOpts) {
	fs.StringVar(&o.passphrase, "p", "", "passphrase for an encrypted INPUT_AB_FILE")
	fs.StringVar(&o.passphrase, "passphrase", "", "passphrase for an encrypted INPUT_AB_FILE")
	fs.StringVar(&o.passfile, "passfile", "", "a file whose whole contents is used verbatim as the passphrase for an encrypted INPUT_AB_FILE")
	fs.BoolVar(&o.ignoreChecksum, "ignore-checksum", false, "ignore the checksum field in INPUT_AB_FILE, useful when decrypting backups produced by weird Android firmwares")
}

// encOpts are the output encryption options shared by every subcommand
// that writes Android Backup files.
type encOpts struct {
	passphrase string
	passfile   string
	saltBytes  int
	iterations int
}

func addEncFlags(fs *flag.FlagSet, o *encOpts) {
	fs.StringVar(&o.passphrase, "output-passphrase", "", "passphrase for an encrypted OUTPUT_AB_FILE")
	fs.StringVar(&o.passfile, "output-passfile", "", "a file containing the passphrase for an encrypted OUTPUT_AB_FILE")
	fs.IntVar(&o.saltBytes, "output-salt-bytes", abdata.DefaultSaltBytes, "PBKDF2 salt length in bytes")
	fs.IntVar(&o.iterations, "output-iterations", abdata.DefaultIterations, "PBKDF2 iteration count")
}

// stem strips the Android Backup extension, if any, so default output
// names and sibling passphrase files can be derived from the input name.
func stem(path string) string {
	for _, ext := range []string{".ab", ".adb"} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext)
		}
	}
	return path
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Reason("file `%(path)s` does not exist").D("path", path).Err()
		}
		return nil, err
	}
	return f, nil
}

// createOutput opens path exclusively, so an existing file, the input
// included, is never overwritten.
func createOutput(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Reason("file `%(path)s` already exists, refusing to overwrite").
				D("path", path).Err()
		}
		return nil, err
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// outputName applies the default naming convention: an explicit name
// wins, stdin input maps to stdout output, and anything else gets ext in
// place of its ".ab"/".adb" extension (other names get ext appended).
func outputName(explicit, input, ext string) string {
	if explicit != "" {
		return explicit
	}
	if input == "-" {
		return "-"
	}
	return stem(input) + ext
}

func promptPassphrase() ([]byte, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Annotate(err).Reason("no tty to prompt for a passphrase on").Err()
	}
	defer tty.Close()
	fmt.Fprint(tty, "Passphrase: ")
	defer fmt.Fprintln(tty)
	return terminal.ReadPassword(int(tty.Fd()))
}

// inputPassphrase resolves the input passphrase: the explicit flag, then
// the given passfile, then a `<input stem>.passphrase.txt` sibling, then
// an interactive tty prompt.
func inputPassphrase(o passOpts, input string) ab.PassphraseFunc {
	return func() ([]byte, error) {
		if o.passphrase != "" {
			return []byte(o.passphrase), nil
		}
		if o.passfile != "" {
			data, err := os.ReadFile(o.passfile)
			if err != nil {
				return nil, errors.Reason("file `%(path)s` does not exist").
					D("path", o.passfile).Err()
			}
			return data, nil
		}
		if input != "-" {
			if data, err := os.ReadFile(stem(input) + ".passphrase.txt"); err == nil {
				return data, nil
			}
		}
		return promptPassphrase()
	}
}

// outputPassphrase resolves the output passphrase; unlike the input
// side, there is no sibling-file guessing and no prompting.
func outputPassphrase(o encOpts) (ab.PassphraseFunc, error) {
	switch {
	case o.passphrase != "":
		return ab.Passphrase([]byte(o.passphrase)), nil
	case o.passfile != "":
		data, err := os.ReadFile(o.passfile)
		if err != nil {
			return nil, errors.Reason("file `%(path)s` does not exist").
				D("path", o.passfile).Err()
		}
		return ab.Passphrase(data), nil
	}
	return nil, errors.New("you are trying to `--encrypt` with no `--output-passphrase` or `--output-passfile` specified")
}

func openBackup(o passOpts, input string, raw bool) (*ab.Backup, io.Closer, error) {
	src, err := openInput(input)
	if err != nil {
		return nil, nil, err
	}
	b, err := ab.Open(src,
		ab.WithPassphrase(inputPassphrase(o, input)),
		ab.WithIgnoreChecksum(o.ignoreChecksum),
		ab.WithRawBody(raw))
	if err != nil {
		src.Close()
		return nil, nil, errors.Annotate(err).Reason("%(path)s").D("path", input).Err()
	}
	return b, src, nil
}

func cmdLs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	var po passOpts
	addPassFlags(fs, &po)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("ls: expected exactly one INPUT_AB_FILE")
	}
	input := fs.Arg(0)

	b, src, err := openBackup(po, input, false)
	if err != nil {
		return err
	}
	defer src.Close()
	defer b.Close()

	return ab.List(os.Stdout, b)
}

func cmdRewrap(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rewrap", flag.ContinueOnError)
	var po passOpts
	var eo encOpts
	addPassFlags(fs, &po)
	addEncFlags(fs, &eo)
	decompress := fs.Bool("d", false, "produce decompressed output; this is the default")
	keep := fs.Bool("k", false, "copy compression flag and data from input to output verbatim")
	fs.BoolVar(keep, "keep-compression", *keep, "alias of -k")
	compress := fs.Bool("c", false, "(re-)compress the output file")
	fs.BoolVar(compress, "compress", *compress, "alias of -c")
	fs.BoolVar(decompress, "decompress", *decompress, "alias of -d")
	encrypt := fs.Bool("e", false, "(re-)encrypt the output file")
	fs.BoolVar(encrypt, "encrypt", *encrypt, "alias of -e")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("rewrap: expected INPUT_AB_FILE [OUTPUT_AB_FILE]")
	}

	exclusive := 0
	for _, set := range []bool{*decompress, *keep, *compress} {
		if set {
			exclusive++
		}
	}
	if exclusive > 1 {
		return errors.New("rewrap: -d, -k, and -c are mutually exclusive")
	}
	if *keep && *encrypt {
		return errors.New("rewrap: can't keep compressed data verbatim while re-encrypting; use -c instead")
	}

	input := fs.Arg(0)
	output := outputName(fs.Arg(1), input, ".stripped.ab")

	var createOpts []ab.CreateOption
	if *compress {
		createOpts = append(createOpts, ab.WithCompression(zlib.BestCompression))
	}
	if *encrypt {
		pass, err := outputPassphrase(eo)
		if err != nil {
			return err
		}
		createOpts = append(createOpts, ab.WithEncryption(pass, eo.saltBytes, eo.iterations))
	}

	b, src, err := openBackup(po, input, *keep)
	if err != nil {
		return err
	}
	defer src.Close()
	defer b.Close()

	dst, err := createOutput(output)
	if err != nil {
		return err
	}

	logging.Infof(ctx, "writing output to `%s`...", output)
	n, err := ab.Rewrap(ctx, b, dst, createOpts...)
	if err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	logging.Infof(ctx, "wrote %s of body data", humanize.Bytes(uint64(n)))
	return nil
}

func cmdSplit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("split", flag.ContinueOnError)
	var po passOpts
	var eo encOpts
	addPassFlags(fs, &po)
	addEncFlags(fs, &eo)
	compress := fs.Bool("c", false, "compress per-app output files")
	fs.BoolVar(compress, "compress", *compress, "alias of -c")
	encrypt := fs.Bool("e", false, "encrypt per-app output files; the `--output-passphrase` is reused for all of them, but all encryption keys are unique")
	fs.BoolVar(encrypt, "encrypt", *encrypt, "alias of -e")
	prefix := fs.String("prefix", "", "file name prefix for output files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("split: expected exactly one INPUT_AB_FILE")
	}
	input := fs.Arg(0)

	if *prefix == "" {
		base := "backup"
		dir := ""
		if input != "-" {
			dir, base = filepath.Split(stem(input))
		}
		*prefix = filepath.Join(dir, "hoardy_adb_split_"+base)
	}

	var createOpts []ab.CreateOption
	if *compress {
		createOpts = append(createOpts, ab.WithCompression(zlib.BestCompression))
	}
	if *encrypt {
		pass, err := outputPassphrase(eo)
		if err != nil {
			return err
		}
		createOpts = append(createOpts, ab.WithEncryption(pass, eo.saltBytes, eo.iterations))
	}

	b, src, err := openBackup(po, input, false)
	if err != nil {
		return err
	}
	defer src.Close()
	defer b.Close()

	version := b.Header.Version
	factory := func(n int, pkg string) (io.WriteCloser, error) {
		name := ab.SplitName(*prefix, n, pkg)
		f, err := createOutput(name)
		if err != nil {
			return nil, err
		}
		sink, err := ab.Create(f, version, createOpts...)
		if err != nil {
			f.Close()
			return nil, err
		}
		logging.Infof(ctx, "writing `%s`...", name)
		return stackedSink{sink, f}, nil
	}

	groups, err := ab.Split(ctx, b, factory)
	if err != nil {
		return err
	}
	logging.Infof(ctx, "split into %d files", groups)
	return nil
}

// stackedSink closes an envelope sink and then the file underneath it.
type stackedSink struct {
	io.WriteCloser

	file io.Closer
}

func (s stackedSink) Close() error {
	err := s.WriteCloser.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func cmdMerge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	var po passOpts
	var eo encOpts
	addPassFlags(fs, &po)
	addEncFlags(fs, &eo)
	compress := fs.Bool("c", false, "compress the output file")
	fs.BoolVar(compress, "compress", *compress, "alias of -c")
	encrypt := fs.Bool("e", false, "encrypt the output file")
	fs.BoolVar(encrypt, "encrypt", *encrypt, "alias of -e")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("merge: expected INPUT_AB_FILE... OUTPUT_AB_FILE")
	}
	inputs := fs.Args()[:fs.NArg()-1]
	output := fs.Arg(fs.NArg() - 1)

	var createOpts []ab.CreateOption
	if *compress {
		createOpts = append(createOpts, ab.WithCompression(zlib.BestCompression))
	}
	if *encrypt {
		pass, err := outputPassphrase(eo)
		if err != nil {
			return err
		}
		createOpts = append(createOpts, ab.WithEncryption(pass, eo.saltBytes, eo.iterations))
	}

	var opened []io.Closer
	defer func() {
		for _, c := range opened {
			c.Close()
		}
	}()

	sources := make([]ab.Source, len(inputs))
	for i, input := range inputs {
		input := input
		sources[i] = func() (*ab.Backup, error) {
			logging.Infof(ctx, "merging `%s`...", input)
			b, src, err := openBackup(po, input, false)
			if err != nil {
				return nil, err
			}
			opened = append(opened, src)
			return b, nil
		}
	}

	newSink := func(version int) (io.WriteCloser, error) {
		f, err := createOutput(output)
		if err != nil {
			return nil, err
		}
		sink, err := ab.Create(f, version, createOpts...)
		if err != nil {
			f.Close()
			return nil, err
		}
		return stackedSink{sink, f}, nil
	}

	return ab.Merge(ctx, sources, newSink)
}

func cmdUnwrap(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("unwrap", flag.ContinueOnError)
	var po passOpts
	addPassFlags(fs, &po)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("unwrap: expected INPUT_AB_FILE [OUTPUT_TAR_FILE]")
	}
	input := fs.Arg(0)
	output := outputName(fs.Arg(1), input, ".tar")

	b, src, err := openBackup(po, input, false)
	if err != nil {
		return err
	}
	defer src.Close()
	defer b.Close()

	dst, err := createOutput(output)
	if err != nil {
		return err
	}

	logging.Infof(ctx, "writing output to `%s`...", output)
	n, err := io.Copy(dst, b.Body)
	if err != nil {
		dst.Close()
		return errors.Annotate(err).Reason("%(path)s").D("path", input).Err()
	}
	if err := dst.Close(); err != nil {
		return err
	}
	logging.Infof(ctx, "wrote %s", humanize.Bytes(uint64(n)))
	return nil
}

func cmdWrap(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("wrap", flag.ContinueOnError)
	var eo encOpts
	addEncFlags(fs, &eo)
	compress := fs.Bool("c", false, "compress the output file")
	fs.BoolVar(compress, "compress", *compress, "alias of -c")
	encrypt := fs.Bool("e", false, "encrypt the output file")
	fs.BoolVar(encrypt, "encrypt", *encrypt, "alias of -e")
	outputVersion := fs.Int("output-version", 0, "Android Backup file version to use (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("wrap: expected INPUT_TAR_FILE [OUTPUT_AB_FILE]")
	}
	if *outputVersion == 0 {
		return errors.New("wrap: `--output-version` is required")
	}
	input := fs.Arg(0)
	output := fs.Arg(1)
	if output == "" {
		if input == "-" {
			output = "-"
		} else {
			output = strings.TrimSuffix(input, ".tar") + ".ab"
		}
	}

	var createOpts []ab.CreateOption
	if *compress {
		createOpts = append(createOpts, ab.WithCompression(zlib.BestCompression))
	}
	if *encrypt {
		pass, err := outputPassphrase(eo)
		if err != nil {
			return err
		}
		createOpts = append(createOpts, ab.WithEncryption(pass, eo.saltBytes, eo.iterations))
	}

	src, err := openInput(input)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := createOutput(output)
	if err != nil {
		return err
	}

	sink, err := ab.Create(dst, *outputVersion, createOpts...)
	if err != nil {
		dst.Close()
		return err
	}

	logging.Infof(ctx, "writing output to `%s`...", output)
	n, err := io.Copy(sink, src)
	if err == nil {
		err = sink.Close()
	}
	if err != nil {
		dst.Close()
		return errors.Annotate(err).Reason("%(path)s").D("path", input).Err()
	}
	if err := dst.Close(); err != nil {
		return err
	}
	logging.Infof(ctx, "wrote %s", humanize.Bytes(uint64(n)))
	return nil
}

const helpText = `hoardy-adb: manipulate Android Backup files (*.ab, *.adb)

Android Backup files consist of a metadata header followed by a
PAX-formatted TAR file, optionally compressed with zlib (the only
compression the format supports), optionally encrypted with AES-256 (the
only encryption the format supports).

Usage: hoardy-adb [--version] [-h|--help] [--markdown] SUBCOMMAND ...

Subcommands (aliases in parentheses):
  ls (list)                list contents of an Android Backup file
  rewrap (strip, ab2ab)    strip or apply encryption and/or compression
  split (ab2many)          split a full-system backup into per-app backups
  merge (many2ab)          merge per-app backups back into a single file
  unwrap (ab2tar)          convert an Android Backup file into a TAR file
  wrap (tar2ab)            convert a TAR file into an Android Backup file

Input decryption options (subcommands reading backup files):
  -p, --passphrase STR     passphrase for an encrypted INPUT_AB_FILE
  --passfile PATH          file whose whole contents is the passphrase;
                           default: guess by replacing the ".ab"/".adb"
                           extension of INPUT_AB_FILE with
                           ".passphrase.txt", else prompt on the tty
  --ignore-checksum        ignore the master key checksum field

Output encryption options (subcommands writing backup files):
  --output-passphrase STR  passphrase for an encrypted OUTPUT_AB_FILE
  --output-passfile PATH   file containing the output passphrase
  --output-salt-bytes N    PBKDF2 salt length in bytes (default: 64)
  --output-iterations N    PBKDF2 iteration count (default: 10000)

Body treatment flags (availability varies by subcommand):
  -d, --decompress         produce decompressed output (rewrap default)
  -k, --keep-compression   copy compression flag and data verbatim
  -c, --compress           (re-)compress the output file
  -e, --encrypt            (re-)encrypt the output file

Other per-subcommand options:
  split --prefix STR       output file name prefix
  wrap --output-version N  Android Backup version to emit (required)

Everywhere a file name is expected, "-" means stdin or stdout.
`

func printHelp(w io.Writer, markdown bool) {
	if !markdown {
		fmt.Fprint(w, helpText)
		return
	}
	// the same text, with the section headers promoted to Markdown
	out := helpText
	out = strings.Replace(out, "Usage: ", "## Usage\n\n    ", 1)
	for _, section := range []string{
		"Subcommands (aliases in parentheses):",
		"Input decryption options (subcommands reading backup files):",
		"Output encryption options (subcommands writing backup files):",
		"Body treatment flags (availability varies by subcommand):",
		"Other per-subcommand options:",
	} {
		out = strings.Replace(out, section, "## "+strings.TrimSuffix(section, ":"), 1)
	}
	fmt.Fprint(w, "# "+out)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/lmstore/internal/codec"
	"github.com/freeeve/lmstore/internal/keys"
	"github.com/freeeve/lmstore/internal/logx"
	"github.com/freeeve/lmstore/internal/store"
)

type cmdGet struct {
	Key      string `arg:"" help:"Key to read."`
	Versions bool   `help:"Print the entry version."`
}

type cmdPut struct {
	Key     string  `arg:"" help:"Key to write."`
	Value   string  `arg:"" help:"Value to store."`
	Version float64 `help:"Version to store with the entry (tables opened with --versions)."`
	IfVer   float64 `name:"if-version" help:"Only write when the entry has this version." default:"-1"`
}

type cmdDel struct {
	Key   string `arg:"" help:"Key to remove."`
	Value string `help:"Remove only this duplicate (dupsort tables)."`
}

type cmdRange struct {
	Start   string `help:"Inclusive start key."`
	End     string `help:"Exclusive end key."`
	Limit   int    `short:"n" help:"Maximum entries to print."`
	Offset  int    `help:"Entries to skip."`
	Reverse bool   `short:"r" help:"Walk keys in descending order."`
	KeyOnly bool   `name:"keys" help:"Print keys only."`
}

type cmdCount struct {
	Start string `help:"Inclusive start key."`
	End   string `help:"Exclusive end key."`
	Keys  bool   `help:"Count distinct keys instead of entries."`
}

type cmdStat struct{}

type cmdBench struct {
	Writers int    `default:"8" help:"Concurrent writers."`
	Ops     int    `default:"10000" help:"Puts per writer."`
	Size    string `default:"100" help:"Value size (e.g. 100, 4k)."`
}

var cli struct {
	Path       string        `env:"LMSTORE_PATH" default:"./data/lmstore.db" help:"Database file."`
	Table      string        `short:"t" help:"Named table (default table when empty)."`
	MapSize    string        `name:"map-size" default:"64m" help:"Initial memory map size (e.g. 64m, 1g)."`
	NoSync     bool          `name:"no-sync" help:"Skip fsync on commit."`
	Timeout    time.Duration `default:"5s" help:"Wait this long for the file lock."`
	Encoding   string        `default:"string" enum:"cbor,json,string,binary,ordered" help:"Value encoding."`
	KeyEnc     string        `name:"key-encoding" default:"ordered" enum:"ordered,uint32,binary" help:"Key encoding."`
	DupSort    bool          `help:"Open the table with sorted duplicates."`
	Versions   bool          `help:"Open the table with entry versions."`
	Compress   bool          `help:"Compress large values with zstd."`
	LogLevel   string        `name:"log-level" default:"info" help:"Log level."`
	LogJSON    bool          `name:"log-json" help:"Log one JSON object per line."`
	CommitWait time.Duration `name:"commit-delay" help:"Let batches collect writes before committing."`

	Get   cmdGet   `cmd:"" help:"Print the value stored under a key."`
	Put   cmdPut   `cmd:"" help:"Store a value."`
	Del   cmdDel   `cmd:"" help:"Remove a key or one of its values."`
	Range cmdRange `cmd:"" help:"Print a range of entries."`
	Count cmdCount `cmd:"" help:"Count entries in a range."`
	Stat  cmdStat  `cmd:"" help:"Print environment and table counters."`
	Bench cmdBench `cmd:"" help:"Run concurrent batched puts and report throughput."`
}

// parseSize parses a size string like "512m", "4g", "1024" into bytes
func parseSize(s string) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "0" {
		return 0
	}

	multiplier := int64(1)
	if strings.HasSuffix(s, "k") {
		multiplier = 1024
		s = s[:len(s)-1]
	} else if strings.HasSuffix(s, "m") {
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	} else if strings.HasSuffix(s, "g") {
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n * multiplier
}

// parseKey turns a command-line key into the type the key encoding expects.
func parseKey(s string) (any, error) {
	switch keys.Encoding(cli.KeyEnc) {
	case keys.EncodingUint32:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("uint32 key %q: %w", s, err)
		}
		return uint32(n), nil
	case keys.EncodingBinary:
		return []byte(s), nil
	}
	return s, nil
}

// parseBound is parseKey for optional range bounds.
func parseBound(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	return parseKey(s)
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("lmstore"),
		kong.Description("Inspect and write an lmstore database."),
		kong.UsageOnError(),
	)
	cmd := strings.Split(kctx.Command(), " ")[0]

	logger := logx.NewLogger(os.Stderr, cli.LogLevel, cli.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	readOnly := false
	switch cmd {
	case "get", "range", "count", "stat":
		readOnly = true
	}

	// A read-only open needs an existing file
	if readOnly {
		if _, err := os.Stat(cli.Path); err != nil {
			logger.Fatal().Err(err).Str("path", cli.Path).Msg("open database")
		}
	}

	env, err := store.Open(store.Config{
		Path:        cli.Path,
		MapSize:     parseSize(cli.MapSize),
		NoSync:      cli.NoSync,
		ReadOnly:    readOnly,
		Timeout:     cli.Timeout,
		CommitDelay: cli.CommitWait,
		Logger:      &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer func() {
		if err := env.Close(); err != nil {
			logger.Error().Err(err).Msg("close database")
		}
	}()

	s, err := env.OpenTable(cli.Table, store.TableOptions{
		KeyEncoding: keys.Encoding(cli.KeyEnc),
		Encoding:    codec.Encoding(cli.Encoding),
		DupSort:     cli.DupSort,
		UseVersions: cli.Versions,
		Compression: cli.Compress,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("table", cli.Table).Msg("open table")
	}

	switch cmd {
	case "get":
		err = runGet(s, os.Stdout)
	case "put":
		err = runPut(ctx, s, os.Stdout)
	case "del":
		err = runDel(ctx, s, os.Stdout)
	case "range":
		err = runRange(s, os.Stdout)
	case "count":
		err = runCount(s, os.Stdout)
	case "stat":
		err = runStat(env, s, os.Stdout)
	case "bench":
		err = runBench(ctx, s, logger)
	default:
		err = fmt.Errorf("unrecognized command: %s", kctx.Command())
	}
	if err != nil {
		logger.Error().Err(err).Str("cmd", cmd).Msg("command failed")
		env.Close()
		os.Exit(1)
	}
}

func runGet(s *store.Store, w io.Writer) error {
	k, err := parseKey(cli.Get.Key)
	if err != nil {
		return err
	}
	e, ok, err := s.GetEntry(k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q not found", cli.Get.Key)
	}
	if cli.Get.Versions {
		fmt.Fprintf(w, "%v\t(version %v)\n", e.Value, e.Version)
		return nil
	}
	fmt.Fprintf(w, "%v\n", e.Value)
	return nil
}

func runPut(ctx context.Context, s *store.Store, w io.Writer) error {
	k, err := parseKey(cli.Put.Key)
	if err != nil {
		return err
	}
	opts := &store.WriteOptions{Version: cli.Put.Version}
	if cli.Put.IfVer >= 0 {
		opts.If = store.IfVersion(cli.Put.IfVer)
	}
	applied, err := s.Put(k, cli.Put.Value, opts).Wait(ctx)
	if err != nil {
		return err
	}
	if !applied {
		fmt.Fprintln(w, "not written: condition failed")
		return nil
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func runDel(ctx context.Context, s *store.Store, w io.Writer) error {
	k, err := parseKey(cli.Del.Key)
	if err != nil {
		return err
	}
	var opts *store.RemoveOptions
	if cli.Del.Value != "" {
		opts = &store.RemoveOptions{Value: cli.Del.Value}
	}
	removed, err := s.Remove(k, opts).Wait(ctx)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Fprintln(w, "not found")
		return nil
	}
	fmt.Fprintln(w, "removed")
	return nil
}

func rangeOptions(start, end string) (store.RangeOptions, error) {
	var opts store.RangeOptions
	var err error
	if opts.Start, err = parseBound(start); err != nil {
		return opts, err
	}
	if opts.End, err = parseBound(end); err != nil {
		return opts, err
	}
	return opts, nil
}

// checkBounds rejects a range whose start lies past its end in the
// direction of travel, which would otherwise print nothing.
func checkBounds(opts store.RangeOptions) error {
	if opts.Start == nil || opts.End == nil {
		return nil
	}
	c := keys.Compare(opts.Start, opts.End)
	if (!opts.Reverse && c > 0) || (opts.Reverse && c < 0) {
		dir := "after"
		if opts.Reverse {
			dir = "before"
		}
		return fmt.Errorf("range start %v sorts %s end %v", opts.Start, dir, opts.End)
	}
	return nil
}

func runRange(s *store.Store, w io.Writer) error {
	c := cli.Range
	opts, err := rangeOptions(c.Start, c.End)
	if err != nil {
		return err
	}
	opts.Limit, opts.Offset, opts.Reverse = c.Limit, c.Offset, c.Reverse
	opts.NoValues = c.KeyOnly
	if err := checkBounds(opts); err != nil {
		return err
	}

	it := s.GetRange(opts)
	defer it.Close()
	for e := range it.All() {
		if c.KeyOnly {
			fmt.Fprintf(w, "%v\n", e.Key)
			continue
		}
		fmt.Fprintf(w, "%v\t%v\n", e.Key, e.Value)
	}
	return it.Err()
}

func runCount(s *store.Store, w io.Writer) error {
	opts, err := rangeOptions(cli.Count.Start, cli.Count.End)
	if err != nil {
		return err
	}
	if err := checkBounds(opts); err != nil {
		return err
	}
	var n int
	if cli.Count.Keys {
		n, err = s.GetKeysCount(opts)
	} else {
		n, err = s.GetCount(opts)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, n)
	return nil
}

func runStat(env *store.Env, s *store.Store, w io.Writer) error {
	ts, err := s.Stats()
	if err != nil {
		return err
	}
	es := env.Stats()
	fmt.Fprintf(w, "path:        %s\n", env.Path())
	fmt.Fprintf(w, "tables:      %d\n", es.Tables)
	fmt.Fprintf(w, "table:       %q\n", s.Name())
	fmt.Fprintf(w, "entries:     %d\n", ts.Entries)
	fmt.Fprintf(w, "keys:        %d\n", ts.Keys)
	fmt.Fprintf(w, "read txns:   %d\n", es.ReadTxns)
	return nil
}

// benchKey returns the n-th bench key in the table's key encoding.
func benchKey(n int) any {
	switch keys.Encoding(cli.KeyEnc) {
	case keys.EncodingUint32:
		return uint32(n)
	case keys.EncodingBinary:
		return []byte(fmt.Sprintf("bench-%010d", n))
	}
	return fmt.Sprintf("bench-%010d", n)
}

func runBench(ctx context.Context, s *store.Store, logger zerolog.Logger) error {
	c := cli.Bench
	if c.Writers <= 0 || c.Ops <= 0 {
		return errors.New("bench needs positive --writers and --ops")
	}
	size := parseSize(c.Size)
	value := strings.Repeat("x", int(size))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for wi := 0; wi < c.Writers; wi++ {
		g.Go(func() error {
			var last *store.Pending
			for i := 0; i < c.Ops; i++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				last = s.Put(benchKey(wi*c.Ops+i), value, nil)
			}
			_, err := last.Wait(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.Env().Flush(ctx); err != nil {
		return err
	}

	elapsed := time.Since(start)
	total := c.Writers * c.Ops
	st := s.Env().Stats()
	logger.Info().
		Int("writers", c.Writers).
		Int("puts", total).
		Int64("value_size", size).
		Uint64("batches", st.Batches).
		Dur("elapsed", elapsed).
		Float64("puts_per_sec", float64(total)/elapsed.Seconds()).
		Msg("bench complete")
	return nil
}

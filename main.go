// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/trim21/errgo"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/natefinch/lumberjack.v2"

	"fdxfer/internal/checksum"
	"fdxfer/internal/config"
	"fdxfer/internal/pkg/null"
	"fdxfer/internal/pkg/sys"
	"fdxfer/internal/version"
	"fdxfer/internal/web"
	"fdxfer/internal/xfer"
)

// size used when the source can not tell its own size, like /dev/zero
const unknownSourceSize = units.GiB

func main() {
	setupFlagsAndEnvParser()

	if viper.GetBool("version") {
		fmt.Println(version.Print())
		return
	}

	args := pflag.Args()
	if len(args) != 2 {
		pflag.Usage()
		os.Exit(2)
	}

	mustApplyConfig(viper.GetString("config"))

	setupLogger()

	if sys.IsLinux {
		if _, err := maxprocs.Set(); err != nil {
			log.Warn().Err(err).Msg("failed to set GOMAXPROCS automatically")
		}
	}

	opt, err := buildOptions()
	if err != nil {
		errExit("invalid arguments:", err)
	}

	src, size, err := openSource(args[0], opt.Direct)
	if err != nil {
		errExit(err)
	}
	defer src.Close()

	if opt.Size == 0 {
		opt.Size = size
	}

	fileLock := mustLockDestination(args[1])
	defer fileLock.Unlock()

	dst, err := openDestination(args[1], opt.Mmap, opt.Direct)
	if err != nil {
		errExit(err)
	}
	defer dst.Close()

	tracker := &web.Tracker{}
	opt.OnStart = tracker.Start

	if addr := viper.GetString("debug-addr"); addr != "" {
		server := &http.Server{Addr: addr, Handler: web.New(tracker), ReadHeaderTimeout: time.Second * 5}
		go func() {
			log.Info().Msgf("debug server on http://%s", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("debug server stopped")
			}
		}()
		defer server.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	res, err := xfer.TransferFiles(ctx, src, dst, opt)
	if err != nil {
		printFailure(os.Stderr, res, err)
		stop()
		os.Exit(1)
	}

	printResult(os.Stdout, res, opt.Checksum)
}

func setupFlagsAndEnvParser() {
	pflag.BoolP("threaded", "t", false, "read and write on two threads")
	pflag.BoolP("mmap", "m", false, "use memory mapped io for regular files")
	pflag.BoolP("direct", "d", false, "use direct io for regular files")
	pflag.IntP("bins", "a", xfer.DefaultBins, "number of buffers shared by the threads")
	pflag.StringP("block-size", "b", "256KiB", "io block size, rounded up to a page")
	pflag.StringP("mmap-size", "l", "96MiB", "size of one mmap window")
	pflag.StringP("size", "s", "", "bytes to transfer (default size of source)")
	pflag.Duration("timeout", xfer.DefaultTimeout, "timeout of one readiness or buffer wait")
	pflag.Duration("safety-ceiling", xfer.DefaultSafetyCeiling, "timeout of a whole threaded transfer")
	pflag.String("checksum", "adler32", "checksum of written data, adler32/crc32c/none")
	pflag.String("initial-checksum", "", "initial checksum value (default seed of the checksum)")
	pflag.String("rate-limit", "", "cap the write speed, bytes per second")

	pflag.String("config", "", "path to config file")
	pflag.Bool("log-json", false, "log as json format")
	pflag.String("log-level", "info", "log level")
	pflag.String("log-file", "", "also write log to this file")
	pflag.String("debug-addr", "", "serve metrics and pprof on this address")
	pflag.Bool("version", false, "print version and exit")

	pflag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [flags] <src> <dst>\n\n", os.Args[0])
		pflag.PrintDefaults()
	}

	// this avoids 'pflag: help requested' error when calling for help message.
	if slices.Contains(os.Args[1:], "--help") || slices.Contains(os.Args[1:], "-h") {
		pflag.Usage()
		_, _ = fmt.Fprintln(os.Stderr, "\nNote: command arguments will override config file, but won't change config file.")
		os.Exit(0)
		return
	}

	pflag.Parse()

	viper.SetEnvPrefix("FDXFER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	lo.Must0(viper.BindPFlags(pflag.CommandLine), "failed to parse combine argument with env")
}

func errExit(msg ...any) {
	_, _ = fmt.Fprintln(os.Stderr, msg...)
	os.Exit(1)
}

// mustApplyConfig makes config file values the defaults of flags and env.
func mustApplyConfig(path string) {
	if path == "" {
		return
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		errExit("failed to load config", err)
	}

	applyConfig(cfg)
}

func applyConfig(cfg config.Config) {
	t := cfg.Transfer
	viper.SetDefault("threaded", t.Threaded)
	viper.SetDefault("mmap", t.Mmap)
	viper.SetDefault("direct", t.Direct)
	viper.SetDefault("bins", t.Bins)
	viper.SetDefault("block-size", strconv.FormatInt(int64(t.BlockSize), 10))
	viper.SetDefault("mmap-size", strconv.FormatInt(int64(t.MmapSize), 10))
	viper.SetDefault("timeout", time.Duration(t.Timeout))
	viper.SetDefault("safety-ceiling", time.Duration(t.SafetyCeiling))
	viper.SetDefault("checksum", t.Checksum)
	if t.RateLimit > 0 {
		viper.SetDefault("rate-limit", strconv.FormatInt(int64(t.RateLimit), 10))
	}
	if t.InitialChecksum != nil {
		viper.SetDefault("initial-checksum", strconv.FormatUint(uint64(*t.InitialChecksum), 10))
	}

	viper.SetDefault("log-level", cfg.Log.Level)
	viper.SetDefault("log-json", cfg.Log.JSON)
	viper.SetDefault("log-file", cfg.Log.File)
	viper.SetDefault("debug-addr", cfg.Debug.Addr)
}

func buildOptions() (xfer.Options, error) {
	blockSize, err := units.RAMInBytes(viper.GetString("block-size"))
	if err != nil {
		return xfer.Options{}, errgo.Wrap(err, "block-size")
	}

	mmapSize, err := units.RAMInBytes(viper.GetString("mmap-size"))
	if err != nil {
		return xfer.Options{}, errgo.Wrap(err, "mmap-size")
	}

	var size int64
	if s := viper.GetString("size"); s != "" {
		size, err = units.RAMInBytes(s)
		if err != nil {
			return xfer.Options{}, errgo.Wrap(err, "size")
		}
	}

	var rateLimit int64
	if s := viper.GetString("rate-limit"); s != "" {
		rateLimit, err = units.RAMInBytes(s)
		if err != nil {
			return xfer.Options{}, errgo.Wrap(err, "rate-limit")
		}
	}

	sum, err := checksum.ByName(viper.GetString("checksum"))
	if err != nil {
		return xfer.Options{}, err
	}

	initial, err := parseInitialChecksum(viper.GetString("initial-checksum"))
	if err != nil {
		return xfer.Options{}, err
	}

	return xfer.Options{
		Size:            size,
		BlockSize:       blockSize,
		Bins:            viper.GetInt("bins"),
		MmapWindow:      mmapSize,
		Direct:          viper.GetBool("direct"),
		Mmap:            viper.GetBool("mmap"),
		Threaded:        viper.GetBool("threaded"),
		Timeout:         viper.GetDuration("timeout"),
		SafetyCeiling:   viper.GetDuration("safety-ceiling"),
		RateLimit:       rateLimit,
		Checksum:        sum,
		InitialChecksum: initial,
		Logger:          &log.Logger,
	}, nil
}

func parseInitialChecksum(s string) (null.Null[uint32], error) {
	if s == "" {
		return null.Null[uint32]{}, nil
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return null.Null[uint32]{}, errgo.Wrap(err, "initial-checksum")
	}

	return null.New(uint32(v)), nil
}

// openSource returns the file and its size, unknownSourceSize for devices and
// pipes which report 0.
func openSource(path string, direct bool) (*os.File, int64, error) {
	f, err := openFile(path, os.O_RDONLY, direct)
	if err != nil {
		return nil, 0, errgo.Wrap(err, "failed to open source")
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, errgo.Wrap(err, "failed to stat source")
	}

	size := st.Size()
	if size == 0 && !st.Mode().IsRegular() {
		size = unknownSourceSize
	}

	return f, size, nil
}

// openDestination opens dst for writing, read write if it may be mapped.
func openDestination(path string, mmap, direct bool) (*os.File, error) {
	flag := os.O_CREATE | os.O_TRUNC | os.O_WRONLY
	if mmap {
		flag = os.O_CREATE | os.O_TRUNC | os.O_RDWR
	}

	f, err := openFile(path, flag, direct)
	if err != nil {
		return nil, errgo.Wrap(err, "failed to open destination")
	}

	return f, nil
}

// openFile retries without O_DIRECT on filesystems which reject it.
func openFile(path string, flag int, direct bool) (*os.File, error) {
	if direct && oDirect != 0 {
		f, err := os.OpenFile(path, flag|oDirect, 0o644)
		if err == nil {
			return f, nil
		}

		if !errors.Is(err, syscall.EINVAL) {
			return nil, err
		}

		log.Debug().Str("path", path).Msg("O_DIRECT not supported, open without it")
	}

	return os.OpenFile(path, flag, 0o644)
}

func mustLockDestination(path string) *flock.Flock {
	fileLock := flock.New(path)
	locked, err := fileLock.TryLock()
	if err != nil {
		errExit("can't acquire lock:", err)
		return nil
	}
	if !locked {
		errExit(fmt.Sprintf("can't acquire lock on %q, maybe another transfer is writing it", path))
		return nil
	}

	return fileLock
}

func printResult(w io.Writer, res xfer.Result, sum checksum.Rolling) {
	if sum != nil {
		_, _ = fmt.Fprintf(w, "%s: %08x\n", sum.Name(), res.Checksum)
	}

	_, _ = fmt.Fprintf(w, "bytes: %d (%s)\n", res.Bytes, humanize.IBytes(res.Bytes))
	_, _ = fmt.Fprintf(w, "read:  %s/s in %.3fs (%s)\n", humanize.IBytes(uint64(res.ReadRate)), res.ReadElapsed, res.Read.Strategy)
	_, _ = fmt.Fprintf(w, "write: %s/s in %.3fs (%s)\n", humanize.IBytes(uint64(res.WriteRate)), res.WriteElapsed, res.Write.Strategy)
}

func printFailure(w io.Writer, res xfer.Result, err error) {
	_, _ = color.New(color.FgRed).Fprintf(w, "transfer failed: %s\n", err)
	_, _ = fmt.Fprintf(w, "bytes written: %s\n", humanize.IBytes(res.Bytes))
}

func parseLogLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}

	return zerolog.NoLevel, fmt.Errorf("unknown log level %q, only trace/debug/info/warn/error is allowed", s)
}

func setupLogger() {
	logLevel, err := parseLogLevel(viper.GetString("log-level"))
	if err != nil {
		errExit(err)
	}

	var w io.Writer = os.Stderr

	if !viper.GetBool("log-json") {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	if logFile := viper.GetString("log-file"); logFile != "" {
		rotation := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, //days
		}
		w = zerolog.MultiLevelWriter(rotation, w)
	}

	log.Logger = log.Output(w).Level(logLevel)
}

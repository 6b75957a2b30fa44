// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package config

import (
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
	"github.com/trim21/errgo"
)

// Size is a byte count written like "256KiB" or "96m".
type Size int64

func (s *Size) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errgo.Wrap(err, "invalid size")
	}

	*s = Size(v)
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(s))), nil
}

// Duration is a time.Duration written like "60s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errgo.Wrap(err, "invalid duration")
	}

	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Transfer struct {
	BlockSize       Size     `toml:"block-size"`
	Bins            int      `toml:"bins"`
	MmapSize        Size     `toml:"mmap-size"`
	Timeout         Duration `toml:"timeout"`
	SafetyCeiling   Duration `toml:"safety-ceiling"`
	Checksum        string   `toml:"checksum"`
	InitialChecksum *uint32  `toml:"initial-checksum"`
	Threaded        bool     `toml:"threaded"`
	Mmap            bool     `toml:"mmap"`
	Direct          bool     `toml:"direct"`
	RateLimit       Size     `toml:"rate-limit"`
}

type Log struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
	File  string `toml:"file"`
}

type Debug struct {
	Addr string `toml:"addr"`
}

type Config struct {
	Transfer Transfer `toml:"transfer"`
	Log      Log      `toml:"log"`
	Debug    Debug    `toml:"debug"`
}

func Default() Config {
	return Config{
		Transfer: Transfer{
			BlockSize:     256 * units.KiB,
			Bins:          3,
			MmapSize:      96 * units.MiB,
			Timeout:       Duration(time.Minute),
			SafetyCeiling: Duration(6 * time.Hour),
			Checksum:      "adler32",
		},
		Log: Log{Level: "info"},
	}
}

// LoadFromFile reads a TOML config on top of Default, a missing file is not an error.
func LoadFromFile(path string) (Config, error) {
	var cfg = Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, errgo.Wrap(err, "failed to read config file")
	}

	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errgo.Wrap(err, "failed to parse config file")
	}

	return cfg, nil
}

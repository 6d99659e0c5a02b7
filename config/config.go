// Package config loads an environment's tunables from an ini file: page
// size, buffer pool capacity, checkpoint cadence, deadlock-detector
// cadence, and where the environment's files live on disk.
package config

import (
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xkv-store/storage/page"
)

// Config is one environment's settings. Dir is always required; every
// other field falls back to its default when the ini file omits it or
// doesn't exist at all, so a zero-config environment still starts.
type Config struct {
	Dir string

	PageSize              int
	BufferPoolCapacity    int
	CheckpointInterval    time.Duration
	DeadlockCheckInterval time.Duration
	WALSegmentBytes       int
}

// Defaults returns the configuration an environment gets when no ini
// file is present.
func Defaults(dir string) *Config {
	return &Config{
		Dir:                   dir,
		PageSize:              page.DefaultSize,
		BufferPoolCapacity:    1024,
		CheckpointInterval:    30 * time.Second,
		DeadlockCheckInterval: time.Second,
		WALSegmentBytes:       64 * 1024 * 1024,
	}
}

// Load reads environment.ini under dir, if present, layering its values
// over Defaults(dir). A missing file is not an error.
func Load(dir string) (*Config, error) {
	cfg := Defaults(dir)

	path := filepath.Join(dir, "environment.ini")
	raw, err := ini.LooseLoad(path)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}

	section := raw.Section("engine")
	cfg.PageSize = section.Key("page_size").MustInt(cfg.PageSize)
	cfg.BufferPoolCapacity = section.Key("buffer_pool_capacity").MustInt(cfg.BufferPoolCapacity)
	cfg.WALSegmentBytes = section.Key("wal_segment_bytes").MustInt(cfg.WALSegmentBytes)

	checkpointSecs := section.Key("checkpoint_interval_seconds").MustInt(int(cfg.CheckpointInterval / time.Second))
	cfg.CheckpointInterval = time.Duration(checkpointSecs) * time.Second

	deadlockMillis := section.Key("deadlock_check_interval_ms").MustInt(int(cfg.DeadlockCheckInterval / time.Millisecond))
	cfg.DeadlockCheckInterval = time.Duration(deadlockMillis) * time.Millisecond

	return cfg, nil
}

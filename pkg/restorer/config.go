package restorer

import (
	"errors"
	"time"

	"github.com/function61/gokit/jsonfile"
	"github.com/function61/snaprestore/pkg/snaplifecycle"
)

const configFilename = "config.json"

type Config struct {
	// root of the volume we snapshot and restore under, e.g. "/data" or "D:"
	Volume string `json:"volume"`
	// "auto" (default), "vss", "lvm", "null" or "none"
	SnapshotProvider string `json:"snapshot_provider"`
	// snapshots older than this are eligible for the expiry sweep. 0 = 24h
	SnapshotTTLHours int `json:"snapshot_ttl_hours"`
	// where snapshots.json and restore-state.json live. default "."
	DataDir string `json:"data_dir"`
	// cron schedule for the server's background sweep. default "@hourly"
	SweepSchedule string `json:"sweep_schedule"`
	ListenAddr    string `json:"listen_addr"`
}

func ReadConfig() (*Config, error) {
	conf := &Config{}
	if err := jsonfile.Read(configFilename, conf, true); err != nil {
		return nil, err
	}

	if conf.Volume == "" {
		return nil, errors.New("config: volume not set")
	}

	if conf.DataDir == "" {
		conf.DataDir = "."
	}

	if conf.SweepSchedule == "" {
		conf.SweepSchedule = "@hourly"
	}

	if conf.ListenAddr == "" {
		conf.ListenAddr = "localhost:8066"
	}

	return conf, nil
}

func (c *Config) TTL() time.Duration {
	if c.SnapshotTTLHours == 0 {
		return snaplifecycle.DefaultTTL
	}

	return time.Duration(c.SnapshotTTLHours) * time.Hour
}

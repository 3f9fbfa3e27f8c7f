// tdbridge - A bridge between TDLib and chat client frameworks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"fmt"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Database DatabaseConfig `yaml:"database"`
	Media    MediaPolicy    `yaml:"media"`
	Messages MessagesConfig `yaml:"messages"`
	Backfill BackfillConfig `yaml:"backfill"`
	Workers  WorkersConfig  `yaml:"workers"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// StrictInvariants panics on internal invariant violations instead of
	// logging and dropping the offending operation. Meant for development.
	StrictInvariants bool `yaml:"strict_invariants"`

	Logging zeroconfig.Config `yaml:"logging"`
}

type BackendConfig struct {
	// URL of the TDLib JSON gateway websocket.
	URL string `yaml:"url"`

	ReconnectInterval string `yaml:"reconnect_interval"`
	reconnectInterval time.Duration
}

func (c *BackendConfig) Reconnect() time.Duration {
	return c.reconnectInterval
}

type DatabaseConfig struct {
	// URI of the sqlite account cache. Empty keeps the cache in memory.
	URI string `yaml:"uri"`
}

type BigDownloadHandling string

const (
	BigDownloadAsk     BigDownloadHandling = "ask"
	BigDownloadDiscard BigDownloadHandling = "discard"
)

type DownloadBehaviour string

const (
	DownloadAsHyperlink DownloadBehaviour = "hyperlink"
	DownloadAsTransfer  DownloadBehaviour = "file-transfer"
)

// MediaPolicy decides which attachments are fetched automatically. It can
// be swapped at runtime when the config file changes.
type MediaPolicy struct {
	// AutoDownloadLimitMB is the largest attachment fetched without asking.
	// Zero means no limit.
	AutoDownloadLimitMB int                 `yaml:"auto_download_limit_mb"`
	BigDownloadHandling BigDownloadHandling `yaml:"big_download_handling"`
	DownloadBehaviour   DownloadBehaviour   `yaml:"download_behaviour"`
	KeepInlineDownloads bool                `yaml:"keep_inline_downloads"`
	ConvertStickers     bool                `yaml:"convert_stickers"`
	DownloadDir         string              `yaml:"download_dir"`

	ProgressDelay string `yaml:"progress_delay"`
	progressDelay time.Duration
}

func (p *MediaPolicy) autoDownload(size int64) bool {
	return p.AutoDownloadLimitMB <= 0 || size <= int64(p.AutoDownloadLimitMB)<<20
}

type MessagesConfig struct {
	ReplyFetchTimeout string `yaml:"reply_fetch_timeout"`
	replyFetchTimeout time.Duration

	ReadReceipts bool `yaml:"read_receipts"`
}

type BackfillConfig struct {
	Enabled     bool `yaml:"enabled"`
	PageSize    int  `yaml:"page_size"`
	MaxMessages int  `yaml:"max_messages"`

	PageTimeout string `yaml:"page_timeout"`
	pageTimeout time.Duration
}

type WorkersConfig struct {
	Count int `yaml:"count"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return d, nil
}

func (c *Config) PostProcess() error {
	var err error
	if c.Backend.reconnectInterval, err = parseDuration("backend.reconnect_interval", c.Backend.ReconnectInterval, 30*time.Second); err != nil {
		return err
	}
	if c.Messages.replyFetchTimeout, err = parseDuration("messages.reply_fetch_timeout", c.Messages.ReplyFetchTimeout, time.Second); err != nil {
		return err
	}
	if c.Backfill.pageTimeout, err = parseDuration("backfill.page_timeout", c.Backfill.PageTimeout, defaultBackfillPageTimeout); err != nil {
		return err
	}
	if err = c.Media.PostProcess(); err != nil {
		return err
	}
	if c.Backfill.PageSize <= 0 {
		c.Backfill.PageSize = defaultBackfillPageSize
	}
	if c.Backfill.MaxMessages <= 0 {
		c.Backfill.MaxMessages = defaultBackfillMaxMessages
	}
	if c.Workers.Count <= 0 {
		c.Workers.Count = 2
	}
	return nil
}

func (p *MediaPolicy) PostProcess() error {
	switch p.BigDownloadHandling {
	case "":
		p.BigDownloadHandling = BigDownloadAsk
	case BigDownloadAsk, BigDownloadDiscard:
	default:
		return fmt.Errorf("invalid media.big_download_handling %q", p.BigDownloadHandling)
	}
	switch p.DownloadBehaviour {
	case "":
		p.DownloadBehaviour = DownloadAsHyperlink
	case DownloadAsHyperlink, DownloadAsTransfer:
	default:
		return fmt.Errorf("invalid media.download_behaviour %q", p.DownloadBehaviour)
	}
	var err error
	p.progressDelay, err = parseDuration("media.progress_delay", p.ProgressDelay, time.Second)
	return err
}

// ParseConfig reads a config document without running the upgrader.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig upgrades the file at path against the embedded example config
// and parses the result. With save set, the upgraded document is written back.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "backend", "url")
	helper.Copy(up.Str, "backend", "reconnect_interval")
	helper.Copy(up.Str|up.Null, "database", "uri")
	helper.Copy(up.Int, "media", "auto_download_limit_mb")
	helper.Copy(up.Str, "media", "big_download_handling")
	helper.Copy(up.Str, "media", "download_behaviour")
	helper.Copy(up.Bool, "media", "keep_inline_downloads")
	helper.Copy(up.Bool, "media", "convert_stickers")
	helper.Copy(up.Str|up.Null, "media", "download_dir")
	helper.Copy(up.Str, "media", "progress_delay")
	helper.Copy(up.Str, "messages", "reply_fetch_timeout")
	helper.Copy(up.Bool, "messages", "read_receipts")
	helper.Copy(up.Bool, "backfill", "enabled")
	helper.Copy(up.Int, "backfill", "page_size")
	helper.Copy(up.Int, "backfill", "max_messages")
	helper.Copy(up.Str, "backfill", "page_timeout")
	helper.Copy(up.Int, "workers", "count")
	helper.Copy(up.Str|up.Null, "metrics", "listen")
	helper.Copy(up.Bool, "strict_invariants")
	helper.Copy(up.Map, "logging")
}

package main

import (
	"fmt"
	"net/url"
	"os"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/strategy"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin             string                `yaml:"origin"`
	Host               string                `yaml:"host"`
	Port               int                   `yaml:"port"`
	DB                 string                `yaml:"db"`
	Version            string                `yaml:"version"`
	CachePrefix        string                `yaml:"cachePrefix"`
	OfflinePage        string                `yaml:"offlinePage"`
	Manifest           []string              `yaml:"manifest"`
	Strategies         []strategy.RuleConfig `yaml:"strategies"`
	CrossOrigins       []string              `yaml:"crossOrigins"`
	QueryAllowlist     []string              `yaml:"queryAllowlist"`
	Timeouts           strategy.Timeouts     `yaml:"timeouts"`
	WaitForSkip        bool                  `yaml:"waitForSkip"`
	InstallConcurrency int                   `yaml:"installConcurrency"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// withFlags overrides file values with the flags that were set.
func (c Config) withFlags() Config {
	if originFlag != "" {
		c.Origin = originFlag
	} else if addrFlag != "" {
		c.Origin = "https://" + addrFlag
	}
	if hostFlag != "" {
		c.Host = hostFlag
	}
	if portFlag != 0 {
		c.Port = portFlag
	}
	if dbFilenameFlag != "" {
		c.DB = dbFilenameFlag
	}
	if cacheVersionFlag != "" {
		c.Version = cacheVersionFlag
	}
	if c.Version == "" {
		c.Version = "1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.DB == "" {
		c.DB = "cache.db"
	}
	return c
}

// workerConfig turns the file config into the config of a worker.
func (c Config) workerConfig(storage cache.Storage, logger *zerolog.Logger) (offlinecache.Config, error) {
	if c.Origin == "" {
		return offlinecache.Config{}, fmt.Errorf("no origin configured")
	}
	originURL, err := url.Parse(c.Origin)
	if err != nil {
		return offlinecache.Config{}, fmt.Errorf("origin: %w", err)
	}
	if !originURL.IsAbs() || originURL.Host == "" {
		return offlinecache.Config{}, fmt.Errorf("origin %q is not an absolute URL", c.Origin)
	}
	crossOrigins := c.CrossOrigins
	if crossOrigins == nil {
		crossOrigins = offlinecache.DefaultCrossOrigins
	}
	var rules strategy.Rules
	if len(c.Strategies) > 0 {
		if rules, err = strategy.ParseRules(c.Strategies); err != nil {
			return offlinecache.Config{}, fmt.Errorf("strategies: %w", err)
		}
	}
	return offlinecache.Config{
		Storage:            storage,
		OriginURL:          *originURL,
		OriginHost:         c.Host,
		Logger:             logger,
		Version:            c.Version,
		CachePrefix:        c.CachePrefix,
		Manifest:           c.Manifest,
		Rules:              rules,
		OfflinePage:        c.OfflinePage,
		CrossOrigins:       crossOrigins,
		QueryAllowlist:     c.QueryAllowlist,
		Timeouts:           c.Timeouts,
		WaitForSkip:        c.WaitForSkip,
		InstallConcurrency: c.InstallConcurrency,
	}, nil
}

// openStorage opens the cache db. "memory" is an in-memory storage.
func openStorage(filename string) (cache.Storage, func(), error) {
	if filename == "memory" {
		return cache.NewMemStorage(), func() {}, nil
	}
	storage, err := cache.NewSQLiteStorage(filename)
	if err != nil {
		return nil, nil, err
	}
	return storage, func() { storage.Close() }, nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors Config as written in TOML. Pointers distinguish unset
// keys from zero values; durations are strings such as "30s".
type fileConfig struct {
	Listen *string `toml:"listen"`
	Store  struct {
		Kind        *string `toml:"kind"`
		Path        *string `toml:"path"`
		RedisAddr   *string `toml:"redis_addr"`
		RedisPrefix *string `toml:"redis_prefix"`
		RedisDB     *int    `toml:"redis_db"`
	} `toml:"store"`
	Signer struct {
		ConnectTimeout *string `toml:"connect_timeout"`
		CallTimeout    *string `toml:"call_timeout"`
		KeyPassphrase  *string `toml:"key_passphrase"`
	} `toml:"signer"`
	Surface struct {
		URL           *string `toml:"url"`
		AttachTimeout *string `toml:"attach_timeout"`
		TokenSecret   *string `toml:"token_secret"`
		TokenTTL      *string `toml:"token_ttl"`
	} `toml:"surface"`
	Management struct {
		Token *string `toml:"token"`
	} `toml:"management"`
	Bridge struct {
		Origins []string `toml:"origins"`
	} `toml:"bridge"`
	Log struct {
		Level  *string `toml:"level"`
		Format *string `toml:"format"`
	} `toml:"log"`
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var f fileConfig
	if err := toml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setString(&c.Listen, f.Listen)
	setString(&c.Store.Kind, f.Store.Kind)
	setString(&c.Store.Path, f.Store.Path)
	setString(&c.Store.RedisAddr, f.Store.RedisAddr)
	setString(&c.Store.RedisPrefix, f.Store.RedisPrefix)
	if f.Store.RedisDB != nil {
		c.Store.RedisDB = *f.Store.RedisDB
	}
	setString(&c.Signer.KeyPassphrase, f.Signer.KeyPassphrase)
	setString(&c.Surface.URL, f.Surface.URL)
	setString(&c.Surface.TokenSecret, f.Surface.TokenSecret)
	setString(&c.Management.Token, f.Management.Token)
	setString(&c.Log.Level, f.Log.Level)
	setString(&c.Log.Format, f.Log.Format)
	if f.Bridge.Origins != nil {
		c.Bridge.Origins = f.Bridge.Origins
	}

	durations := []struct {
		key string
		dst *time.Duration
		src *string
	}{
		{"signer.connect_timeout", &c.Signer.ConnectTimeout, f.Signer.ConnectTimeout},
		{"signer.call_timeout", &c.Signer.CallTimeout, f.Signer.CallTimeout},
		{"surface.attach_timeout", &c.Surface.AttachTimeout, f.Surface.AttachTimeout},
		{"surface.token_ttl", &c.Surface.TokenTTL, f.Surface.TokenTTL},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

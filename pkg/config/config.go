// Package config loads client preferences from an ini-formatted `.jpiprc`
// file: default target host/port, transport preference order, cache
// directory, and flow-control overrides.
//
// Grounded on the teacher's pkg/od/parser.go EDS-file loading idiom
// (gopkg.in/ini.v1, section/key iteration via regexp-matched section
// names), generalized from object-dictionary index sections to a flat
// preferences file.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Preferences holds the parsed contents of a `.jpiprc` file.
type Preferences struct {
	DefaultHost      string
	DefaultPort      int
	TransportOrder   []string // e.g. ["http-tcp", "http-udp", "http"]
	CacheDir         string
	MinUsecsPerByte  float64 // aux UDP rate-throttle override, 0 = disabled
	MaxAbandonGaps   int
	DisableCacheFile bool
}

func defaults() Preferences {
	return Preferences{
		DefaultPort:    80,
		TransportOrder: []string{"http-tcp", "http"},
		MaxAbandonGaps: 128,
	}
}

// Load parses a `.jpiprc` file. file may be a path, []byte, or io.Reader,
// per ini.Load's accepted source types.
func Load(file any) (Preferences, error) {
	prefs := defaults()

	cfg, err := ini.Load(file)
	if err != nil {
		return prefs, fmt.Errorf("config: load: %w", err)
	}

	section := cfg.Section("client")
	if k := section.Key("default_host"); k.String() != "" {
		prefs.DefaultHost = k.String()
	}
	if section.HasKey("default_port") {
		v, err := section.Key("default_port").Int()
		if err != nil {
			return prefs, fmt.Errorf("config: default_port: %w", err)
		}
		prefs.DefaultPort = v
	}
	if section.HasKey("cache_dir") {
		prefs.CacheDir = section.Key("cache_dir").String()
	}
	if section.HasKey("disable_cache_file") {
		v, err := section.Key("disable_cache_file").Bool()
		if err != nil {
			return prefs, fmt.Errorf("config: disable_cache_file: %w", err)
		}
		prefs.DisableCacheFile = v
	}

	transportSection := cfg.Section("transport")
	if transportSection.HasKey("order") {
		prefs.TransportOrder = transportSection.Key("order").Strings(",")
	}
	if transportSection.HasKey("min_usecs_per_byte") {
		v, err := transportSection.Key("min_usecs_per_byte").Float64()
		if err != nil {
			return prefs, fmt.Errorf("config: min_usecs_per_byte: %w", err)
		}
		prefs.MinUsecsPerByte = v
	}
	if transportSection.HasKey("max_abandon_gaps") {
		v, err := transportSection.Key("max_abandon_gaps").Int()
		if err != nil {
			return prefs, fmt.Errorf("config: max_abandon_gaps: %w", err)
		}
		prefs.MaxAbandonGaps = v
	}

	return prefs, nil
}

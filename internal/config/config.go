// Package config holds the tunables for a Switchboard Supervisor,
// loadable from and savable to a YAML file, following the teacher's own
// config packages (internal/config/wing.go, internal/egg/config.go).
// Unlike the teacher's layered user/project config, a Switchboard
// process has exactly one Options value — there is no merge hierarchy
// to model here.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TrackerOption describes one configured rendezvous.
type TrackerOption struct {
	URL            string `yaml:"url"`
	IsNativeServer bool   `yaml:"is_native_server"`   // true = SPS (C4), false = BT-style (C3)
	IsRequired     bool   `yaml:"is_required"`        // losing this one kills the Supervisor
	PassCode       string `yaml:"pass_code,omitempty"` // SPS only
}

// RoleKind selects a Supervisor's advertisement behavior (spec.md §3's Role).
type RoleKind int

const (
	RoleNone RoleKind = iota
	RoleHost
	RoleJoinHost
	RoleSwarm
)

// Role is `{HOST, JOIN_HOST(targetID), SWARM(groupID)}` from spec.md §3.
type Role struct {
	Kind     RoleKind
	TargetID string // JOIN_HOST
	SwarmID  string // SWARM
}

// Options are the Supervisor's tunables (spec.md §3-§5, §9).
type Options struct {
	Realm   string `yaml:"realm"`
	UserKey string `yaml:"user_key"`

	Trackers            []TrackerOption `yaml:"trackers"`
	SkipExtraTrackers   bool            `yaml:"skip_extra_trackers"`
	ExtraTrackerListURL string          `yaml:"extra_tracker_list_url,omitempty"`

	WantedPeerCount int `yaml:"wanted_peer_count"`

	ClientMaxRetries        int           `yaml:"client_max_retries"`
	ClientBlacklistDuration time.Duration `yaml:"client_blacklist_duration"`
	ClientTimeout           time.Duration `yaml:"client_timeout"`

	TrickleICE     bool          `yaml:"trickle_ice"`
	TrickleTimeout time.Duration `yaml:"trickle_timeout"`

	MaxOpenOffers        int `yaml:"max_open_offers"`
	Invites              int `yaml:"invites"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// Default returns the spec-mandated defaults (spec.md §3, §4.2, §4.5).
func Default() Options {
	return Options{
		WantedPeerCount:         -1, // not read by the Supervisor; Host, FindHost and Swarm set its count
		ClientMaxRetries:        2,
		ClientBlacklistDuration: time.Duration(-1), // Infinity sentinel, see IsPermanentBlacklistDuration
		ClientTimeout:           150 * time.Second,
		TrickleICE:              false,
		TrickleTimeout:          2 * time.Second,
		MaxOpenOffers:           20, // 2 × default Invites
		Invites:                 10,
		MaxReconnectAttempts:    10,
	}
}

// IsPermanentBlacklistDuration reports whether d represents spec.md's
// "Infinity" blacklist duration (permanent for the process lifetime).
func IsPermanentBlacklistDuration(d time.Duration) bool {
	return d < 0
}

// Load reads Options from a YAML file, starting from Default() so any
// field omitted from the file keeps its default value.
func Load(path string) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return opts, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, err
	}
	return opts, nil
}

// Save writes Options to a YAML file.
func Save(path string, opts Options) error {
	data, err := yaml.Marshal(opts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

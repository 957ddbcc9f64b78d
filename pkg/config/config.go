// Package config loads the driver's INI-style configuration: one
// [Settings] section shared across the process and one [ril_N] section
// per modem slot, following the pack's viper + mapstructure + validator
// pattern for decoding and checking structured config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DataCallFormat selects the wire shape used for SETUP_DATA_CALL and its
// response, since different RIL versions disagree on the field count.
type DataCallFormat int

const (
	DataCallFormatAuto DataCallFormat = iota
	DataCallFormatV6
	DataCallFormatV9
	DataCallFormatV11
)

func (f *DataCallFormat) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "auto":
		*f = DataCallFormatAuto
	case "6":
		*f = DataCallFormatV6
	case "9":
		*f = DataCallFormatV9
	case "11":
		*f = DataCallFormatV11
	default:
		return fmt.Errorf("config: unknown data_call_format %q", b)
	}
	return nil
}

func (f DataCallFormat) String() string {
	switch f {
	case DataCallFormatV6:
		return "6"
	case DataCallFormatV9:
		return "9"
	case DataCallFormatV11:
		return "11"
	default:
		return "auto"
	}
}

// AllowDataMode is the per-slot policy for whether the data role may be
// granted at all, independent of which slot currently holds it.
type AllowDataMode int

const (
	AllowDataAuto AllowDataMode = iota
	AllowDataOn
	AllowDataOff
)

func (m *AllowDataMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "auto":
		*m = AllowDataAuto
	case "on":
		*m = AllowDataOn
	case "off":
		*m = AllowDataOff
	default:
		return fmt.Errorf("config: unknown allow_data %q", b)
	}
	return nil
}

// Settings holds the [Settings] section, shared across every slot.
type Settings struct {
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	EccListPath    string        `mapstructure:"ecclist_path"`

	// DropPrivileges, when set, switches the process to RunAsUID/
	// RunAsGID before any slot opens its socket, so the RIL peer sees
	// the expected credentials on the very first connect.
	DropPrivileges bool  `mapstructure:"drop_privileges"`
	RunAsUID       int   `mapstructure:"run_as_uid"`
	RunAsGID       int   `mapstructure:"run_as_gid"`
	RunAsGroups    []int `mapstructure:"run_as_groups"`

	// MetricsAddr, if non-empty, serves Prometheus metrics on that
	// address ("host:port"); empty disables the metrics listener.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// UpwardAddr, if non-empty, serves the upward HTTP+WebSocket
	// interface (spec.md §6) on that address.
	UpwardAddr      string `mapstructure:"upward_addr"`
	UpwardJWTSecret string `mapstructure:"upward_jwt_secret"`

	// StoreHost, if non-empty, enables the Postgres-backed history
	// store; an empty host leaves completed sessions and PIN attempts
	// unlogged.
	StoreHost          string `mapstructure:"store_host"`
	StorePort          int    `mapstructure:"store_port"`
	StoreDatabase      string `mapstructure:"store_database"`
	StoreUser          string `mapstructure:"store_user"`
	StorePassword      string `mapstructure:"store_password"`
	StoreSSLMode       string `mapstructure:"store_sslmode"`
	StoreRetentionDays int    `mapstructure:"store_retention_days"`
}

func (s *Settings) setDefaults() {
	if s.StartTimeout == 0 {
		s.StartTimeout = 10 * time.Second
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 30 * time.Second
	}
}

// SlotConfig holds one [ril_N] section.
type SlotConfig struct {
	Index                int             `mapstructure:"slot_index" validate:"gte=0"`
	StartTimeout         time.Duration   `mapstructure:"start_timeout"`
	SocketPath           string          `mapstructure:"socket_path" validate:"required"`
	Subscription         string          `mapstructure:"subscription"`
	VendorDriver         string          `mapstructure:"vendor"`
	EnableVoiceCall      bool            `mapstructure:"enable_voicecall"`
	EnableCellBroadcast  bool            `mapstructure:"enable_cellbroadcast"`
	Technologies         []string        `mapstructure:"technologies"`
	LTENetworkMode       int32           `mapstructure:"lte_network_mode"`
	NetworkModeTimeout   time.Duration   `mapstructure:"network_mode_timeout"`
	UICCWorkaround       bool            `mapstructure:"uicc_workaround"`
	EmptyPINQuery        bool            `mapstructure:"empty_pin_query"`
	DataCallFormat       DataCallFormat  `mapstructure:"data_call_format"`
	AllowData            AllowDataMode   `mapstructure:"allow_data"`
	DataCallRetryLimit   int             `mapstructure:"data_call_retry_limit" validate:"gte=0"`
	DataCallRetryDelay   time.Duration   `mapstructure:"data_call_retry_delay"`
	LocalHangupReasons   []int           `mapstructure:"local_hangup_reasons"`
	RemoteHangupReasons  []int           `mapstructure:"remote_hangup_reasons"`
	LegacyIMEIQuery      bool            `mapstructure:"legacy_imei_query"`
}

func (s *SlotConfig) setDefaults() {
	if s.SocketPath == "" {
		s.SocketPath = defaultSocketPath(s.Index)
	}
	if s.NetworkModeTimeout == 0 {
		s.NetworkModeTimeout = 20 * time.Second
	}
	if s.DataCallRetryLimit == 0 {
		s.DataCallRetryLimit = 4
	}
	if s.DataCallRetryDelay == 0 {
		s.DataCallRetryDelay = 3 * time.Second
	}
	if len(s.Technologies) == 0 {
		s.Technologies = []string{"all"}
	}
}

// AllTechnologies reports whether the slot's technologies list is the
// unrestricted wildcard rather than an explicit subset.
func (s *SlotConfig) AllTechnologies() bool {
	return len(s.Technologies) == 1 && strings.EqualFold(s.Technologies[0], "all")
}

func defaultSocketPath(index int) string {
	if index == 0 {
		return "/dev/socket/rild"
	}
	return fmt.Sprintf("/dev/socket/rild%d", index+1)
}

// Config is the fully decoded configuration for the process: shared
// settings plus one entry per configured modem slot.
type Config struct {
	Settings Settings
	Slots    []SlotConfig
}

var (
	globalMu     sync.RWMutex
	globalConfig *Config
)

// Get returns the process-wide configuration set by the most recent
// Load call, or nil if none has been loaded yet.
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalConfig
}

// DefaultConfig is what Load returns when no config file is present: a
// single slot on the conventional rild socket path, every other knob at
// its built-in default.
func DefaultConfig() *Config {
	cfg := &Config{
		Slots: []SlotConfig{{Index: 0}},
	}
	cfg.Settings.setDefaults()
	cfg.Slots[0].setDefaults()
	if cfg.Slots[0].StartTimeout == 0 {
		cfg.Slots[0].StartTimeout = cfg.Settings.StartTimeout
	}
	return cfg
}

// Load reads an INI-style config file with a [Settings] section and one
// [ril_N] section per slot. A missing file is not an error: Load returns
// DefaultConfig() instead.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("ini")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rild")
		v.AddConfigPath("/etc/rild")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("RILD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			cfg := DefaultConfig()
			setGlobal(cfg)
			return cfg, nil
		}
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			setGlobal(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	setGlobal(cfg)
	return cfg, nil
}

func setGlobal(cfg *Config) {
	globalMu.Lock()
	globalConfig = cfg
	globalMu.Unlock()
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// decode pulls [Settings] plus every [ril_N] section out of v. viper's
// ini backend exposes sections as top-level nested keys, so slot
// sections are discovered by name rather than addressed positionally.
func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	if sub := v.Sub("settings"); sub != nil {
		if err := sub.Unmarshal(&cfg.Settings, viper.DecodeHook(decodeHooks())); err != nil {
			return nil, fmt.Errorf("config: [Settings]: %w", err)
		}
	}
	cfg.Settings.setDefaults()

	for _, key := range sortedSectionKeys(v) {
		idx, ok := parseSlotSection(key)
		if !ok {
			continue
		}
		sub := v.Sub(key)
		if sub == nil {
			continue
		}
		var slot SlotConfig
		if err := sub.Unmarshal(&slot, viper.DecodeHook(decodeHooks())); err != nil {
			return nil, fmt.Errorf("config: [%s]: %w", key, err)
		}
		if slot.Index == 0 && idx != 0 {
			slot.Index = idx
		}
		slot.setDefaults()
		if slot.StartTimeout == 0 {
			slot.StartTimeout = cfg.Settings.StartTimeout
		}
		cfg.Slots = append(cfg.Slots, slot)
	}

	if len(cfg.Slots) == 0 {
		def := DefaultConfig()
		cfg.Slots = def.Slots
	}
	return cfg, nil
}

func sortedSectionKeys(v *viper.Viper) []string {
	keys := v.AllKeys()
	seen := map[string]bool{}
	var sections []string
	for _, k := range keys {
		parts := strings.SplitN(k, ".", 2)
		if len(parts) != 2 {
			continue
		}
		if seen[parts[0]] {
			continue
		}
		seen[parts[0]] = true
		sections = append(sections, parts[0])
	}
	return sections
}

func parseSlotSection(key string) (int, bool) {
	const prefix = "ril_"
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

var validate = validator.New()

// Validate checks struct tags across the whole config tree.
func Validate(cfg *Config) error {
	if err := validate.Struct(&cfg.Settings); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	for i := range cfg.Slots {
		if err := validate.Struct(&cfg.Slots[i]); err != nil {
			return fmt.Errorf("ril_%d: %w", cfg.Slots[i].Index, err)
		}
	}
	return nil
}

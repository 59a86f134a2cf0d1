package config

// Package config provides a reusable loader for Animica node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"

	"github.com/spf13/viper"

	"animica-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config represents the unified configuration for an Animica P2P node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ChainID        string   `mapstructure:"chain_id" json:"chain_id"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		SeedFile       string   `mapstructure:"seed_file" json:"seed_file"`
	} `mapstructure:"network" json:"network"`

	Handshake struct {
		TimeoutMS           int    `mapstructure:"timeout_ms" json:"timeout_ms"`
		AllowInsecureDevnet bool   `mapstructure:"allow_insecure_devnet" json:"allow_insecure_devnet"`
		AEAD                string `mapstructure:"aead" json:"aead"`
		IdentityAlg         string `mapstructure:"identity_alg" json:"identity_alg"`
	} `mapstructure:"handshake" json:"handshake"`

	Score struct {
		Base                 float64 `mapstructure:"base" json:"base"`
		DecayHalfLifeS       float64 `mapstructure:"decay_half_life_s" json:"decay_half_life_s"`
		RTTRefMs             float64 `mapstructure:"rtt_ref_ms" json:"rtt_ref_ms"`
		TopicCap             float64 `mapstructure:"topic_cap" json:"topic_cap"`
		BanThreshold         float64 `mapstructure:"ban_threshold" json:"ban_threshold"`
		PenaltyDecayHalfLife float64 `mapstructure:"penalty_decay_half_life" json:"penalty_decay_half_life"`
		FlapWindowS          float64 `mapstructure:"flap_window_s" json:"flap_window_s"`
	} `mapstructure:"score" json:"score"`

	Ratelimit struct {
		GlobalCapacity   float64            `mapstructure:"global_capacity" json:"global_capacity"`
		GlobalRefillPerS float64            `mapstructure:"global_refill_per_s" json:"global_refill_per_s"`
		PeerCapacity     float64            `mapstructure:"peer_capacity" json:"peer_capacity"`
		PeerRefillPerS   float64            `mapstructure:"peer_refill_per_s" json:"peer_refill_per_s"`
		TopicCosts       map[string]float64 `mapstructure:"topic_costs" json:"topic_costs"`
	} `mapstructure:"ratelimit" json:"ratelimit"`

	Store struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"store" json:"store"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ANIMICA_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ANIMICA_ENV", ""))
}

// Package config provides centralized configuration for the vector memory
// backends, loaded once from the environment.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Config holds the connection settings for every supported backend. Only
// the backend actually constructed needs its section filled in.
type Config struct {
	// Qdrant vector engine (gRPC)
	Qdrant struct {
		Host   string
		Port   int
		APIKey string
		UseTLS bool
	}

	// PostgreSQL with the pgvector extension
	Postgres struct {
		DSN string
	}

	// Embedded sqlite database
	SQLite struct {
		Path string
	}

	// Store defaults
	Memory struct {
		Collection string
		Dimension  int
	}
}

var (
	once   sync.Once
	config *Config
)

// Load reads the configuration from the environment once and caches it.
func Load() *Config {
	once.Do(func() {
		config = fromEnv()
	})

	return config
}

// fromEnv builds a Config from the current environment. The key replacer
// maps each viper key to its environment variable, qdrant.host to
// QDRANT_HOST and so on, so every setting resolves through a single
// lookup path.
func fromEnv() *Config {
	v := viper.New()

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.api_key", "")
	v.SetDefault("qdrant.use_tls", false)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("sqlite.path", "vectorkv.db")
	v.SetDefault("memory.collection", "default")
	v.SetDefault("memory.dimension", 128)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{}

	config.Qdrant.Host = v.GetString("qdrant.host")
	config.Qdrant.Port = v.GetInt("qdrant.port")
	config.Qdrant.APIKey = v.GetString("qdrant.api_key")
	config.Qdrant.UseTLS = v.GetBool("qdrant.use_tls")
	config.Postgres.DSN = v.GetString("postgres.dsn")
	config.SQLite.Path = v.GetString("sqlite.path")
	config.Memory.Collection = v.GetString("memory.collection")
	config.Memory.Dimension = v.GetInt("memory.dimension")

	return config
}

// Validate checks the store defaults. Backend connectivity is the
// constructors' concern, not a configuration property.
func (c *Config) Validate() error {
	var problems []string

	if c.Memory.Collection == "" {
		problems = append(problems, "collection name must not be empty")
	}

	if c.Memory.Dimension <= 0 {
		problems = append(problems, "embedding dimension must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %v", problems)
	}

	return nil
}

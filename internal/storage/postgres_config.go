package storage

import "time"

// PostgresConfig describes how the repository initialises its Postgres
// connection pool and where media files live on disk.
type PostgresConfig struct {
	DSN                 string
	MediaDir            string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:      dsn,
		MediaDir: "data/libraries",
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	return cfg
}

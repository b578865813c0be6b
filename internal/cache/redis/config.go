package redis

// Config contains the Redis connection used for shared caches.
// An empty Addr disables caching.
type Config struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
	RateTTL  int    `env:"REDIS_RATE_TTL" envDefault:"900"`
}

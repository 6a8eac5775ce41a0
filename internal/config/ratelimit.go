package config

import "time"

// RateLimitConfig tunes the token bucket that throttles credential
// submissions (POST /login and POST /register) on the portal.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string
	Prefix         string
	Debug          bool
}

func LoadRateLimitConfig() RateLimitConfig {
	def := RateLimitConfig{
		Enabled:        envBool("LOGIN_RATE_LIMIT_ENABLED", true),
		Capacity:       envInt("LOGIN_RATE_LIMIT_CAPACITY", 10),
		RefillTokens:   envInt("LOGIN_RATE_LIMIT_REFILL_TOKENS", 1),
		RefillInterval: envDur("LOGIN_RATE_LIMIT_REFILL_INTERVAL", 6*time.Second),
		TTL:            envDur("LOGIN_RATE_LIMIT_TTL", 10*time.Minute),
		KeyStrategy:    getenv("LOGIN_RATE_LIMIT_KEY_STRATEGY", "ip_route"),
		Prefix:         getenv("LOGIN_RATE_LIMIT_PREFIX", "rl:login"),
		Debug:          envBool("LOGIN_RATE_LIMIT_DEBUG", false),
	}
	if def.Capacity < 1 {
		def.Capacity = 1
	}
	if def.RefillTokens < 1 {
		def.RefillTokens = 1
	}
	if def.RefillInterval <= 0 {
		def.RefillInterval = time.Second
	}
	minTTL := 5 * def.RefillInterval
	if def.TTL < minTTL {
		def.TTL = minTTL
	}
	return def
}

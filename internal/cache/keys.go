package cache

import "fmt"

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func StorageResultKey(endpoint, requestHash string) string {
	return fmt.Sprintf("storage:%s:%s", endpoint, requestHash)
}

func StatsKey() string {
	return "stats:prometheus"
}

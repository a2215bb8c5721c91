package cache

import (
	"fmt"

	"github.com/google/uuid"
)

const keyPrefix = "changeanyfile"

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("%s:job:%s:status", keyPrefix, jobID)
}

// RateLimitKey buckets requests per client per fixed window.
func RateLimitKey(client string, window int64) string {
	return fmt.Sprintf("%s:ratelimit:%s:%d", keyPrefix, client, window)
}

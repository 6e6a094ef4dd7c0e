package cache

import (
	"fmt"
	"time"
)

const (
	// ActiveJobTTL bounds how long a snapshot of an unfinished job lives.
	ActiveJobTTL = time.Hour
	// TerminalJobTTL applies once a job is done or failed.
	TerminalJobTTL = 24 * time.Hour
)

func JobStatusKey(jobID int64) string {
	return fmt.Sprintf("job:status:%d", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

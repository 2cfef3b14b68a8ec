package clients

import "time"

const (
	USER_AGENT       = "hookflow-publisher/1.0 (+https://github.com/spacesedan/hookflow)"
	HTTP_TIMEOUT     = 30 * time.Second
	VALKEY_RETRIES   = 3
	VALKEY_RETRY_GAP = 250 * time.Millisecond
)

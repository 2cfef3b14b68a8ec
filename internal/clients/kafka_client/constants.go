package kafka_client

import "time"

const (
	KAFKA_TOPIC_RAW_CONTENT    = "raw-content"    // webhook payloads awaiting tenant resolution and ingestion
	KAFKA_TOPIC_POST_LIFECYCLE = "post-lifecycle" // approval and publishing events for downstream consumers
)

const (
	MAX_RETRIES  = 5
	RETRY_DELAY  = 2 * time.Second
	POLL_TIMEOUT = time.Second
)

package statusstore

import (
	"fmt"
	"strings"
)

// Key builders for the persisted state layout (spec §6).

func JobKey(id string) string       { return fmt.Sprintf("job:%s", id) }
func StatusKey(id string) string    { return fmt.Sprintf("job:%s:status", id) }
func LogsKey(id string) string      { return fmt.Sprintf("job:%s:logs", id) }
func CancelKey(id string) string    { return fmt.Sprintf("job:%s:cancel", id) }
func ArtifactsKey(id string) string { return fmt.Sprintf("artifacts:%s", id) }

// JobScanPattern matches every job:* key, including the status/logs/cancel
// sidecar keys; IsJobRecordKey narrows that down to bare job hash keys. The
// reference implementation scans job:* and materializes every match
// in-process (spec §9 open question); we keep the scan but filter out the
// sidecar keys rather than attempt a hash read against a string key.
const JobScanPattern = "job:*"

// IsJobRecordKey reports whether key is a bare job:{id} hash key rather than
// one of its job:{id}:status / :logs / :cancel sidecars.
func IsJobRecordKey(key string) bool {
	rest := strings.TrimPrefix(key, "job:")
	if rest == key {
		return false
	}
	return !strings.Contains(rest, ":")
}

package models

const (
	RedisStreamSnapshotPrefix = "oi:snapshots:"
)

// RedisStreamSnapshots returns the stream stored snapshots of a cadence are
// published to.
func RedisStreamSnapshots(cadence Cadence) string {
	return RedisStreamSnapshotPrefix + string(cadence)
}

package models

type PartitionStats struct {
	Symbol     string  `json:"symbol"`
	Cadence    Cadence `json:"cadence"`
	Files      int     `json:"files"`
	Bytes      int64   `json:"bytes"`
	OldestDate string  `json:"oldest_date,omitempty"`
	NewestDate string  `json:"newest_date,omitempty"`
}

type StorageStats struct {
	TotalFiles int              `json:"total_files"`
	TotalBytes int64            `json:"total_bytes"`
	Partitions []PartitionStats `json:"partitions"`
}

package dto

type StatusDTO struct {
	App     AppStatusDTO     `json:"app"`
	Storage StorageStatusDTO `json:"storage"`
	Trail   TrailStatusDTO   `json:"trail"`
}

type AppStatusDTO struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	StartedAt string `json:"started_at"`
	UptimeSec int64  `json:"uptime_sec"`
	SafeMode  bool   `json:"safe_mode"`
}

type StorageStatusDTO struct {
	Driver         string `json:"driver"`
	SchemaVersion  int    `json:"schema_version"`
	SafeModeReason string `json:"safe_mode_reason,omitempty"`
}

type TrailStatusDTO struct {
	Enabled           bool     `json:"enabled"`
	TrackAssociations bool     `json:"track_associations"`
	Serializer        string   `json:"serializer"`
	Models            []string `json:"models"`
	Forwarding        bool     `json:"forwarding"`
}

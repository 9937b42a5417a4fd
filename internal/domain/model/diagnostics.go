package model

// DiagnosticReport is the observational record a client writes each bar.
type DiagnosticReport struct {
	ClientID       string  `json:"client_id"`
	SessionID      string  `json:"session_id"`
	ClientOffsetMs float64 `json:"client_offset_ms"`
	RTTMs          float64 `json:"rtt_ms"`
	BarDriftMs     float64 `json:"bar_drift_ms"`
	SyncQuality    string  `json:"sync_quality"`
	BarIndex       int64   `json:"bar_index"`
	ReportedAtMs   int64   `json:"reported_at_ms"`
}

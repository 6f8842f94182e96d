package types

import "time"

// ConnectionStatus is the transport health state.
type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnReconnecting ConnectionStatus = "reconnecting"
	ConnError        ConnectionStatus = "error"
)

// ConnectionState is the read-only view of the connection state
// machine. Only the machine's transition functions mutate it; everyone
// else gets copies.
type ConnectionState struct {
	Status          ConnectionStatus `json:"status"`
	LastError       string           `json:"last_error,omitempty"`
	RetryCount      int              `json:"retry_count"`
	LastHeartbeatAt *time.Time       `json:"last_heartbeat_at,omitempty"`
}

// ClientHealth is the process health payload attached to heartbeats so
// the authority can spot degraded clients.
type ClientHealth struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

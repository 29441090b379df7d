package api

type DashboardMessageEvent string

const (
	DashboardMessageEventSnapshot = DashboardMessageEvent("snapshot")
	DashboardMessageEventPing     = DashboardMessageEvent("ping")
	DashboardMessageEventPong     = DashboardMessageEvent("pong")
	DashboardMessageEventRefresh  = DashboardMessageEvent("refresh")
	DashboardMessageEventDismiss  = DashboardMessageEvent("dismiss_discovery_error")
	DashboardMessageEventError    = DashboardMessageEvent("error")
)

type PingMessage struct {
	Timestamp int64 `json:"timestamp"`
}

type RefreshMessage struct {
	CandidateID string `json:"candidateId"`
}

// DashboardMessage is a frame of the stream websocket in either direction.
type DashboardMessage struct {
	Event    DashboardMessageEvent `json:"event"`
	Snapshot *MonitoringStatus     `json:"snapshot,omitempty"`
	Ping     *PingMessage          `json:"ping,omitempty"`
	Refresh  *RefreshMessage       `json:"refresh,omitempty"`
	Error    *string               `json:"error,omitempty"`
}

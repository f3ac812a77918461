package v1

import "time"

type EnqueueRequest struct {
	Unit string `json:"unit"`

	// Type is a job type name such as "start" or "try-restart".
	Type string `json:"type"`

	// Mode is a job mode name; empty means "replace".
	Mode string `json:"mode,omitempty"`
}

type EnqueueResponse struct {
	Job Job `json:"job"`
}

type CancelRequest struct {
	Job uint32 `json:"job"`
}

type CancelResponse struct{}

type SnapshotRequest struct{}

type SnapshotResponse struct {
	Units  []Unit `json:"units"`
	Jobs   []Job  `json:"jobs"`
	Paused bool   `json:"paused"`
}

type PauseRequest struct{}

type PauseResponse struct{}

type ResumeRequest struct{}

type ResumeResponse struct{}

type WatchRequest struct {
	// Units restricts events to the named units. Empty means all.
	Units []string `json:"units,omitempty"`
}

type WatchResponse struct {
	Event Event `json:"event"`
}

type StreamOutputRequest struct {
	Unit string `json:"unit"`
}

type StreamOutputResponse struct {
	Output []byte `json:"output"`
}

type Unit struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description,omitempty"`
	Kind        string   `json:"kind"`
	LoadState   string   `json:"load_state"`
	ActiveState string   `json:"active_state"`
	Job         uint32   `json:"job,omitempty"`
}

type Job struct {
	ID           uint32   `json:"id"`
	Unit         string   `json:"unit"`
	Type         string   `json:"type"`
	State        string   `json:"state"`
	Anchor       bool     `json:"anchor,omitempty"`
	Irreversible bool     `json:"irreversible,omitempty"`
	Transaction  string   `json:"transaction"`
	WaitingOn    []uint32 `json:"waiting_on,omitempty"`
}

type Event struct {
	Kind        string        `json:"kind"`
	Job         uint32        `json:"job"`
	Unit        string        `json:"unit"`
	Type        string        `json:"type"`
	Result      string        `json:"result,omitempty"`
	Transaction string        `json:"transaction"`
	Time        time.Time     `json:"time"`
	Duration    time.Duration `json:"duration,omitempty"`
}

package domain

import "time"

const PresenceOnline = "online"

// WorkerPresence is the most recent heartbeat of one external worker.
type WorkerPresence struct {
	WorkerID      string    `json:"worker_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
}

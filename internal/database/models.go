package database

import "time"

// TunnelEvent is one coordinator phase transition.
type TunnelEvent struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID         string    `gorm:"index;not null" json:"run_id"`
	FromPhase     string    `gorm:"not null" json:"from"`
	ToPhase       string    `gorm:"not null" json:"to"`
	Port          int       `gorm:"not null;default:0" json:"port"`
	PublicAddress string    `json:"public_address,omitempty"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `gorm:"index" json:"occurred_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// StatsSample is a periodic copy of the session counters.
type StatsSample struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID           string    `gorm:"index;not null" json:"run_id"`
	FramesReceived  uint64    `json:"frame_count"`
	FramesAdmitted  uint64    `json:"frames_admitted"`
	FramesSucceeded uint64    `json:"swap_count"`
	FramesNoSubject uint64    `json:"no_subject_count"`
	Errors          uint64    `json:"error_count"`
	AvgProcessingMs float64   `json:"avg_processing_time"`
	FPS             float64   `json:"fps"`
	SessionActive   bool      `json:"session_active"`
	SampledAt       time.Time `gorm:"index" json:"sampled_at"`
}

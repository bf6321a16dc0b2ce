package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Platform identifies the target mobile platform of a build.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid reports whether the platform is a known value.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// ResultFileName returns the artifact file name produced for the platform.
func (p Platform) ResultFileName() string {
	if p == PlatformAndroid {
		return "result.apk"
	}
	return "result.ipa"
}

// BuildStatus represents the lifecycle state of a build
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusAssigned  BuildStatus = "assigned"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled:
		return true
	}
	return false
}

// Build represents a submitted request to compile a mobile app
type Build struct {
	ID              string      `db:"id" json:"id"`
	Platform        Platform    `db:"platform" json:"platform"`
	Status          BuildStatus `db:"status" json:"status"`
	WorkerID        string      `db:"worker_id" json:"worker_id,omitempty"`
	SourcePath      string      `db:"source_path" json:"-"`
	CertsPath       string      `db:"certs_path" json:"-"`
	ResultPath      string      `db:"result_path" json:"-"`
	ErrorMessage    string      `db:"error_message" json:"error_message,omitempty"`
	AccessToken     string      `db:"access_token" json:"-"`
	LastHeartbeatAt time.Time   `db:"last_heartbeat_at" json:"last_heartbeat_at"`
	SubmittedAt     time.Time   `db:"submitted_at" json:"submitted_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// WorkerStatus represents the current state of a worker machine
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBuilding WorkerStatus = "building"
	WorkerStatusOffline  WorkerStatus = "offline"
)

// Capabilities is an opaque map describing what a worker can build
// (platform support, Xcode version, SDK levels, ...). Stored as JSON.
type Capabilities map[string]string

// Value implements driver.Valuer for database storage.
func (c Capabilities) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (c *Capabilities) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c = Capabilities{}
		return nil
	case string:
		return json.Unmarshal([]byte(v), c)
	case []byte:
		return json.Unmarshal(v, c)
	default:
		return fmt.Errorf("cannot scan %T into Capabilities", src)
	}
}

// Platforms returns the platforms the worker declared support for.
// An empty result means the worker accepts any platform.
func (c Capabilities) Platforms() []Platform {
	var out []Platform
	if c["platform"] == string(PlatformIOS) || c["ios"] == "true" {
		out = append(out, PlatformIOS)
	}
	if c["platform"] == string(PlatformAndroid) || c["android"] == "true" {
		out = append(out, PlatformAndroid)
	}
	return out
}

// Worker represents a remote build machine registered with the controller
type Worker struct {
	ID                   string       `db:"id" json:"id"`
	Name                 string       `db:"name" json:"name"`
	Capabilities         Capabilities `db:"capabilities" json:"capabilities"`
	Status               WorkerStatus `db:"status" json:"status"`
	AccessToken          string       `db:"access_token" json:"-"`
	AccessTokenExpiresAt time.Time    `db:"access_token_expires_at" json:"-"`
	BuildsCompleted      int64        `db:"builds_completed" json:"builds_completed"`
	BuildsFailed         int64        `db:"builds_failed" json:"builds_failed"`
	LastSeenAt           time.Time    `db:"last_seen_at" json:"last_seen_at"`
}

// LogLevel is the severity of a build log entry
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// BuildLog is a single append-only log entry attached to a build
type BuildLog struct {
	Seq       int64     `db:"seq" json:"seq"`
	BuildID   string    `db:"build_id" json:"build_id"`
	Level     LogLevel  `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// FarmStats is the public aggregate reported by the stats endpoint
type FarmStats struct {
	NodesOnline  int64     `json:"nodes_online"`
	BuildsQueued int64     `json:"builds_queued"`
	ActiveBuilds int64     `json:"active_builds"`
	BuildsToday  int64     `json:"builds_today"`
	TotalBuilds  int64     `json:"total_builds"`
	Timestamp    time.Time `json:"timestamp"`
}

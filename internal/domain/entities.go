// Package domain defines the entities, ports and error taxonomy of the sync core.
package domain

import (
	"context"
	"errors"
	"time"
)

// Context is an alias to decouple signatures from direct context imports.
type Context = context.Context

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrRateLimited      = errors.New("rate limited")
	ErrConfigMissing    = errors.New("configuration missing")
	ErrUnknownModule    = errors.New("unknown module")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInternal         = errors.New("internal error")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Direction of a sync job relative to the local platform.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Action performed on the entity.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// JobStatus enumerates queue states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// CanTransition reports whether s -> next is a permitted transition.
// pending -> processing | cancelled; processing -> completed | failed | pending (retry).
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobProcessing || next == JobCancelled
	case JobProcessing:
		return next == JobCompleted || next == JobFailed || next == JobPending
	default:
		return false
	}
}

const (
	// DefaultMaxAttempts bounds retries for a job unless the enqueuer overrides it.
	DefaultMaxAttempts = 3
	// PriorityMin is the most urgent priority; PriorityMax the least. Lower = sooner.
	PriorityMin = 1
	PriorityMax = 10
	// PriorityDefault is used when the enqueuer does not care.
	PriorityDefault = 5
)

// SyncJob is one unit of asynchronous work.
// Invariants: at most one pending job per deduplication key
// (Tenant, Module, EntityType, LocalID, RemoteID, Direction);
// Attempts <= MaxAttempts; transitions follow JobStatus.CanTransition.
type SyncJob struct {
	ID           string
	Tenant       string
	Module       string
	EntityType   string
	Direction    Direction
	Action       Action
	LocalID      *int64
	RemoteID     *int64
	Payload      map[string]any
	Priority     int
	Status       JobStatus
	Attempts     int
	MaxAttempts  int
	ErrorMessage string
	ScheduledAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ProcessedAt  *time.Time
}

// JobSpec is what enqueuers provide; the repository fills defaults.
type JobSpec struct {
	Tenant      string
	Module      string
	EntityType  string
	Direction   Direction
	Action      Action
	LocalID     *int64
	RemoteID    *int64
	Payload     map[string]any
	Priority    int
	MaxAttempts int
	ScheduledAt time.Time
}

// QueueStats aggregates queue counters for the admin surface.
type QueueStats struct {
	Pending          int64
	Processing       int64
	Completed        int64
	Failed           int64
	Total            int64
	DepthByModule    map[string]int64
	AvgLatencySeconds float64
	SuccessRate      float64
}

// EntityMapping is one row of the bidirectional local<->remote index.
type EntityMapping struct {
	Tenant       string
	Module       string
	EntityType   string
	LocalID      int64
	RemoteID     int64
	RemoteModel  string
	SyncHash     string
	LastSyncedAt time.Time
}

// MappedPair is the value side of ListForModule.
type MappedPair struct {
	RemoteID int64
	SyncHash string
}

// Credential is the per-tenant ERP connection record. APIKey holds the
// decrypted key in memory only; it must never be persisted or logged.
type Credential struct {
	URL            string
	Database       string
	Username       string
	APIKey         string
	Protocol       Protocol
	TimeoutSeconds int
}

// Protocol selects the RPC wire encoding.
type Protocol string

const (
	ProtocolJSONRPC Protocol = "json-rpc"
	ProtocolXMLRPC  Protocol = "xml-rpc"
)

// LogLevel for the append-only log store.
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarning  LogLevel = "warning"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// LogEntry is an append-only observability record.
type LogEntry struct {
	Tenant    string
	Level     LogLevel
	Channel   string
	Message   string
	Context   map[string]any
	CreatedAt time.Time
}

// SyncDirectionSetting filters which jobs the engine dispatches.
type SyncDirectionSetting string

const (
	SyncBidirectional SyncDirectionSetting = "bidirectional"
	SyncPushOnly      SyncDirectionSetting = "push_only"
	SyncPullOnly      SyncDirectionSetting = "pull_only"
)

// ConflictRule is read by modules to resolve pull-vs-local collisions.
type ConflictRule string

const (
	ConflictNewestWins ConflictRule = "newest_wins"
	ConflictRemoteWins ConflictRule = "remote_wins"
	ConflictLocalWins  ConflictRule = "local_wins"
)

// Ports

// QueueRepository is the durable job store.
type QueueRepository interface {
	Enqueue(ctx context.Context, spec JobSpec) (string, error)
	FetchPending(ctx context.Context, tenant string, limit int, now time.Time) ([]SyncJob, error)
	Claim(ctx context.Context, jobIDs []string) (int, error)
	UpdateStatus(ctx context.Context, jobID string, next JobStatus, patch StatusPatch) error
	Get(ctx context.Context, jobID string) (SyncJob, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	RetryFailed(ctx context.Context, tenant string) (int, error)
	Cleanup(ctx context.Context, olderThanDays int) (int, error)
	Stats(ctx context.Context, tenant string) (QueueStats, error)
}

// StatusPatch carries the optional attributes an UpdateStatus may set.
type StatusPatch struct {
	ErrorMessage *string
	Attempts     *int
	ScheduledAt  *time.Time
	ProcessedAt  *time.Time
}

// EntityMapRepository is the durable side of the entity map.
type EntityMapRepository interface {
	GetRemote(ctx context.Context, tenant, module, entityType string, localID int64) (int64, bool, error)
	GetLocal(ctx context.Context, tenant, remoteModel string, remoteID int64) (int64, bool, error)
	GetMapping(ctx context.Context, tenant, module, entityType string, localID int64) (EntityMapping, bool, error)
	GetRemoteBatch(ctx context.Context, tenant, module, entityType string, localIDs []int64) (map[int64]int64, error)
	GetLocalBatch(ctx context.Context, tenant, remoteModel string, remoteIDs []int64) (map[int64]int64, error)
	Save(ctx context.Context, m EntityMapping) error
	Remove(ctx context.Context, tenant, module, entityType string, localID int64) error
	ListForModule(ctx context.Context, tenant, module, entityType string) (map[int64]MappedPair, error)
}

// LogRepository appends and prunes observability records.
type LogRepository interface {
	Append(ctx context.Context, e LogEntry) error
	Prune(ctx context.Context, retentionDays int) (int, error)
}

// SettingsStore is the typed key/value store the core reads its runtime
// settings from. Implementations persist per tenant.
type SettingsStore interface {
	GetString(ctx context.Context, tenant, key string) (string, bool, error)
	SetString(ctx context.Context, tenant, key, value string) error
	GetInt(ctx context.Context, tenant, key string) (int, bool, error)
	SetInt(ctx context.Context, tenant, key string, value int) error
	GetBool(ctx context.Context, tenant, key string) (bool, bool, error)
	SetBool(ctx context.Context, tenant, key string, value bool) error
	Delete(ctx context.Context, tenant, key string) error
}

// Notifier publishes sync lifecycle events (job failures, breaker
// transitions) to interested consumers. Implementations must be non-blocking
// best-effort; the engine never fails a job because notification failed.
type Notifier interface {
	NotifyJobFailed(ctx context.Context, job SyncJob, reason string)
	NotifyBreakerOpened(ctx context.Context, scope string, failures int, reason string)
	NotifyFailureThreshold(ctx context.Context, tenant string, consecutive int)
}

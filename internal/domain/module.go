package domain

import "context"

// Severity of a dependency notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DependencyNotice describes one precondition a module wants surfaced.
type DependencyNotice struct {
	Severity Severity
	Message  string
}

// DependencyStatus declares whether a module's external preconditions hold.
type DependencyStatus struct {
	Available bool
	Notices   []DependencyNotice
}

// SyncResult is the typed outcome of a module push/pull. A nil error with
// Retryable=false is the success shape; failures carry the retryable flag so
// the engine alone decides on rescheduling.
type SyncResult struct {
	OK        bool
	RemoteID  *int64
	SyncHash  string
	Retryable bool
	Message   string
}

// Ok builds a successful result, optionally carrying the remote id created
// or updated by the call and the content hash recorded for it.
func Ok(remoteID *int64, syncHash string) SyncResult {
	return SyncResult{OK: true, RemoteID: remoteID, SyncHash: syncHash}
}

// Fail builds a failure result.
func Fail(retryable bool, message string) SyncResult {
	return SyncResult{Retryable: retryable, Message: message}
}

// Module is the contract plug-ins implement. The engine invokes it opaquely:
// it never inspects payloads, only the SyncResult.
type Module interface {
	// ID returns the stable module identifier.
	ID() string
	// RemoteModels maps the module's entity types to ERP model names.
	RemoteModels() map[string]string
	// ExclusiveGroup returns a non-empty group name when modules sharing it
	// cannot be simultaneously enabled; empty means no exclusivity.
	ExclusiveGroup() string
	// DependencyStatus reports whether external preconditions are satisfied.
	DependencyStatus(ctx context.Context) DependencyStatus
	// Push executes a push job against the remote system.
	Push(ctx context.Context, job SyncJob) SyncResult
	// Pull applies a remote record locally.
	Pull(ctx context.Context, job SyncJob) SyncResult
}

// BatchModule is optionally implemented by modules with batch-optimised
// paths. The engine groups claimed jobs by (module, entity type, action) and
// offers each group; results must be index-aligned with the input. Modules
// that cannot batch a particular group may return ok=false to force the
// per-job fallback.
type BatchModule interface {
	PushBatch(ctx context.Context, jobs []SyncJob) ([]SyncResult, bool)
	PullBatch(ctx context.Context, jobs []SyncJob) ([]SyncResult, bool)
}

// Registry resolves modules by id and enforces exclusivity groups.
type Registry interface {
	Register(m Module) error
	Get(id string) (Module, bool)
	All() []Module
	Enable(ctx context.Context, tenant, id string, enabled bool) ([]string, error)
	IsEnabled(ctx context.Context, tenant, id string) bool
	Conflicts(ctx context.Context, tenant, id string) []string
	// ModuleForRemoteModel resolves which enabled module owns an ERP model
	// name and the entity type it maps to.
	ModuleForRemoteModel(ctx context.Context, tenant, remoteModel string) (Module, string, bool)
}

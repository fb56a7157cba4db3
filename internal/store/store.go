package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Credentials. The data blob is the credential payload sealed by the
	// credential manager; the store never sees plaintext secrets.
	CreateCredential(ctx context.Context, cred *CredentialRecord) error
	GetCredential(ctx context.Context, id string) (*CredentialRecord, error)
	GetCredentialByProvider(ctx context.Context, userID, provider string) (*CredentialRecord, error)
	ListCredentials(ctx context.Context, userID string) ([]*CredentialRecord, error)
	UpdateCredentialData(ctx context.Context, id string, data []byte) error
	DeleteCredential(ctx context.Context, id string) error

	// Execution history
	CreateExecution(ctx context.Context, exec *ExecutionRecord) error
	FinishExecution(ctx context.Context, id string, update ExecutionUpdate) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)
	AppendNodeResult(ctx context.Context, result *NodeResultRecord) error
	ListNodeResults(ctx context.Context, executionID string) ([]*NodeResultRecord, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	UpdateScheduledJobRun(ctx context.Context, id string, update ScheduledJobUpdate) error
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

package store

import (
	"context"
	"time"
)

// SaveRecord describes one stored upload. Rows are never updated.
type SaveRecord struct {
	ID           string
	UserID       string
	SaveName     string
	OriginalName string
	StorageKey   string
	Checksum     string // hex sha256
	Size         int64
	StoredAt     time.Time
}

// SaveSummary is the latest upload of one save slot plus its history size.
type SaveSummary struct {
	Latest   SaveRecord
	Versions int
}

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEntry is one upload attempt. UserID is empty when the key was unknown.
type AuditEntry struct {
	ID         int64
	Time       time.Time
	UserID     string
	UserName   string
	SaveName   string
	Size       int64
	RemoteAddr string
	Outcome    string
	Reason     string
}

// UserStats aggregates storage per user.
type UserStats struct {
	UserID string
	Saves  int
	Slots  int
	Bytes  int64
}

// Stats contains aggregate statistics about stored saves.
type Stats struct {
	TotalSaves      int
	TotalSlots      int
	TotalBytes      int64
	LatestBytes     int64
	UploadsOK       int
	UploadsFailed   int
	OldestSave      time.Time
	NewestSave      time.Time
	OldestAuditTime time.Time
	Users           []UserStats
}

// PruneQuery selects historical versions eligible for deletion. Versions that
// a latest pointer references are never returned.
type PruneQuery struct {
	// KeepVersions keeps the newest N versions per slot; 0 disables the rule.
	KeepVersions int
	// OlderThan selects versions stored before it; zero disables the rule.
	OlderThan time.Time
}

// Store defines the interface for metadata persistence.
type Store interface {
	// CommitSave records rec and moves the (user, save) latest pointer to it
	// in a single transaction.
	CommitSave(ctx context.Context, rec *SaveRecord) error
	GetLatest(ctx context.Context, userID, saveName string) (*SaveRecord, error)
	ListLatest(ctx context.Context, userID string) ([]*SaveSummary, error)
	ListVersions(ctx context.Context, userID, saveName string) ([]*SaveRecord, error)
	CountSaves(ctx context.Context, userID string) (int, error)
	ListPruneCandidates(ctx context.Context, q PruneQuery) ([]*SaveRecord, error)
	DeleteSaveRecord(ctx context.Context, id string) error

	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, userID string, limit int) ([]*AuditEntry, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

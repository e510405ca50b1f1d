package saves

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"savesync/internal/logging"
	"savesync/internal/store"
)

// DefaultMaxUploadSize matches the 16 MiB request cap of the HTTP API.
const DefaultMaxUploadSize = 16 << 20

// KeyResolver maps an API key to the user id it is bound to.
type KeyResolver interface {
	Resolve(apiKey string) (string, bool)
}

// Retention bounds the timestamped history kept per save slot. The zero
// value keeps everything.
type Retention struct {
	MaxVersions int
	MaxAge      time.Duration
}

func (r Retention) enabled() bool {
	return r.MaxVersions > 0 || r.MaxAge > 0
}

// Options configures a Service.
type Options struct {
	MaxUploadSize int64
	Retention     Retention
	// Now overrides the clock; tests use it to control timestamps.
	Now func() time.Time
}

// SaveFile is one stored upload.
type SaveFile struct {
	ID           string
	UserID       string
	SaveName     string
	OriginalName string
	Size         int64
	Checksum     string
	StoredAt     time.Time
	Key          string
}

// SaveSummary describes the latest upload of one save slot.
type SaveSummary struct {
	SaveName string
	LatestID string
	Size     int64
	StoredAt time.Time
	Versions int
}

// UploadRequest carries one upload attempt as received by the API.
type UploadRequest struct {
	APIKey       string
	UserName     string
	SaveName     string
	OriginalName string
	Body         io.Reader
	RemoteAddr   string
}

// Receipt is returned for an accepted upload.
type Receipt struct {
	ID        string
	SaveName  string
	Timestamp time.Time
	Size      int64
	Key       string
}

// Service handles save uploads and retrieval.
type Service struct {
	storage Storage
	store   store.Store
	keys    KeyResolver
	locks   *keyLocks

	maxSize   int64
	retention Retention
	now       func() time.Time
}

// NewService creates a new save service.
func NewService(storage Storage, st store.Store, keys KeyResolver, opts Options) *Service {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		storage:   storage,
		store:     st,
		keys:      keys,
		locks:     newKeyLocks(),
		maxSize:   opts.MaxUploadSize,
		retention: opts.Retention,
		now:       opts.Now,
	}
}

// MaxUploadSize returns the largest accepted save in bytes.
func (s *Service) MaxUploadSize() int64 {
	return s.maxSize
}

// Resolve returns the user bound to apiKey or ErrUnauthorized.
func (s *Service) Resolve(apiKey string) (string, error) {
	userID, ok := s.keys.Resolve(apiKey)
	if !ok {
		return "", fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}
	return userID, nil
}

// Receive authenticates, validates and stores one upload, then moves the
// latest pointer for (user, save) to it. Every attempt is audited.
func (s *Service) Receive(ctx context.Context, req UploadRequest) (*Receipt, error) {
	entry := &store.AuditEntry{
		UserName:   req.UserName,
		SaveName:   req.SaveName,
		RemoteAddr: req.RemoteAddr,
	}

	receipt, err := s.receive(ctx, req, entry)
	s.audit(ctx, entry, err)
	return receipt, err
}

// Reject audits an upload attempt that was turned away before Receive, such
// as by rate limiting. cause becomes the recorded reason.
func (s *Service) Reject(ctx context.Context, req UploadRequest, cause error) {
	entry := &store.AuditEntry{
		UserName:   req.UserName,
		SaveName:   req.SaveName,
		RemoteAddr: req.RemoteAddr,
	}
	if userID, ok := s.keys.Resolve(req.APIKey); ok {
		entry.UserID = userID
	}
	s.audit(ctx, entry, cause)
}

func (s *Service) receive(ctx context.Context, req UploadRequest, entry *store.AuditEntry) (*Receipt, error) {
	userID, err := s.Resolve(req.APIKey)
	if err != nil {
		return nil, err
	}
	entry.UserID = userID
	if req.UserName != userID {
		return nil, fmt.Errorf("%w: key is not bound to user %q", ErrUnauthorized, req.UserName)
	}

	saveName := req.SaveName
	if saveName == "" {
		saveName = defaultSaveName(req.OriginalName)
	}
	entry.SaveName = saveName
	if err := ValidateSaveName(saveName); err != nil {
		return nil, err
	}

	if req.Body == nil {
		return nil, fmt.Errorf("%w: missing save file", ErrInvalidInput)
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, s.maxSize+1))
	if err != nil {
		if errors.Is(err, ErrTooLarge) || errors.Is(err, ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read upload: %v", ErrInvalidInput, err)
	}
	entry.Size = int64(len(data))
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty save file", ErrInvalidInput)
	}

	// Once the body is in hand the write runs to completion even if the
	// client goes away.
	ctx = context.WithoutCancel(ctx)

	unlock := s.locks.Lock(userID + "/" + saveName)
	defer unlock()

	sum := sha256.Sum256(data)
	rec := &store.SaveRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		SaveName:     saveName,
		OriginalName: req.OriginalName,
		Checksum:     hex.EncodeToString(sum[:]),
		StoredAt:     s.now().UTC(),
	}
	if rec.OriginalName == "" {
		rec.OriginalName = saveName
	}
	rec.StorageKey = ObjectKey(userID, saveName, rec.StoredAt, rec.ID)

	n, err := s.storage.Put(ctx, rec.StorageKey, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: write blob: %v", ErrStorage, err)
	}
	rec.Size = n

	if err := s.store.CommitSave(ctx, rec); err != nil {
		if derr := s.storage.Delete(ctx, rec.StorageKey); derr != nil {
			logging.Storage.Error().Err(derr).Str("key", rec.StorageKey).Msg("failed to remove orphaned blob")
		}
		return nil, fmt.Errorf("%w: commit metadata: %v", ErrStorage, err)
	}

	return &Receipt{
		ID:        rec.ID,
		SaveName:  saveName,
		Timestamp: rec.StoredAt,
		Size:      rec.Size,
		Key:       rec.StorageKey,
	}, nil
}

func (s *Service) audit(ctx context.Context, entry *store.AuditEntry, err error) {
	entry.Time = s.now().UTC()
	entry.Outcome = store.OutcomeSuccess
	if err != nil {
		entry.Outcome = store.OutcomeFailure
		entry.Reason = Reason(err)
	}

	ev := logging.Audit.Info()
	if err != nil {
		ev = logging.Audit.Warn().Str("reason", entry.Reason)
	}
	ev.Str("user", entry.UserID).
		Str("user_name", entry.UserName).
		Str("save", entry.SaveName).
		Int64("size", entry.Size).
		Str("ip", entry.RemoteAddr).
		Str("outcome", entry.Outcome).
		Msg("upload")

	if aerr := s.store.AppendAudit(context.WithoutCancel(ctx), entry); aerr != nil {
		logging.Audit.Error().Err(aerr).Msg("failed to append audit entry")
	}
}

// defaultSaveName derives a save name from the uploaded file name.
func defaultSaveName(original string) string {
	name := path.Base(strings.ReplaceAll(original, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return DefaultSaveName
	}
	return name
}

// Latest opens the newest upload for (userID, saveName).
func (s *Service) Latest(ctx context.Context, userID, saveName string) (io.ReadCloser, *SaveFile, error) {
	if err := ValidateSaveName(saveName); err != nil {
		return nil, nil, err
	}

	rec, err := s.store.GetLatest(ctx, userID, saveName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	rc, err := s.storage.Open(ctx, rec.StorageKey)
	if err != nil {
		// The pointer only moves after the blob is in place, so a missing
		// blob means someone removed it behind our back.
		return nil, nil, fmt.Errorf("%w: open %s: %v", ErrStorage, rec.StorageKey, err)
	}
	return rc, fromRecord(rec), nil
}

// List returns one summary per save slot of userID, ordered by name.
func (s *Service) List(ctx context.Context, userID string) ([]SaveSummary, error) {
	sums, err := s.store.ListLatest(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	out := make([]SaveSummary, 0, len(sums))
	for _, sum := range sums {
		out = append(out, SaveSummary{
			SaveName: sum.Latest.SaveName,
			LatestID: sum.Latest.ID,
			Size:     sum.Latest.Size,
			StoredAt: sum.Latest.StoredAt,
			Versions: sum.Versions,
		})
	}
	return out, nil
}

// Count returns the number of stored uploads for userID across all slots.
func (s *Service) Count(ctx context.Context, userID string) (int, error) {
	return s.store.CountSaves(ctx, userID)
}

// RecentUploads returns the newest audit entries for userID.
func (s *Service) RecentUploads(ctx context.Context, userID string, limit int) ([]*store.AuditEntry, error) {
	return s.store.ListAudit(ctx, userID, limit)
}

// CleanupStaging removes interrupted writes older than olderThan.
func (s *Service) CleanupStaging(ctx context.Context, olderThan time.Duration) (int, error) {
	cleaner, ok := s.storage.(StagingCleaner)
	if !ok {
		return 0, nil
	}
	return cleaner.CleanStaging(ctx, olderThan)
}

// Prune deletes historical versions outside the retention policy. The
// version a latest pointer references is never removed.
// It continues past individual failures and logs them.
func (s *Service) Prune(ctx context.Context) (int, error) {
	if !s.retention.enabled() {
		return 0, nil
	}

	q := store.PruneQuery{KeepVersions: s.retention.MaxVersions}
	if s.retention.MaxAge > 0 {
		q.OlderThan = s.now().Add(-s.retention.MaxAge)
	}
	candidates, err := s.store.ListPruneCandidates(ctx, q)
	if err != nil {
		return 0, err
	}

	count := 0
	storageErrors := 0
	metadataErrors := 0

	for _, rec := range candidates {
		unlock := s.locks.Lock(rec.UserID + "/" + rec.SaveName)
		err := s.store.DeleteSaveRecord(ctx, rec.ID)
		unlock()
		if errors.Is(err, store.ErrInUse) {
			continue
		}
		if err != nil {
			metadataErrors++
			logging.Storage.Warn().Err(err).Str("id", rec.ID).Msg("failed to delete save metadata")
			continue
		}
		if err := s.storage.Delete(ctx, rec.StorageKey); err != nil && !errors.Is(err, ErrObjectNotFound) {
			storageErrors++
			logging.Storage.Warn().Err(err).Str("key", rec.StorageKey).Msg("failed to delete blob")
			continue
		}
		count++
	}

	if storageErrors > 0 || metadataErrors > 0 {
		logging.Storage.Warn().
			Int("storage_failures", storageErrors).
			Int("metadata_failures", metadataErrors).
			Msg("prune completed with errors")
	}
	return count, nil
}

func fromRecord(rec *store.SaveRecord) *SaveFile {
	return &SaveFile{
		ID:           rec.ID,
		UserID:       rec.UserID,
		SaveName:     rec.SaveName,
		OriginalName: rec.OriginalName,
		Size:         rec.Size,
		Checksum:     rec.Checksum,
		StoredAt:     rec.StoredAt,
		Key:          rec.StorageKey,
	}
}

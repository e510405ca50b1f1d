package saves

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"
)

// ErrObjectNotFound is returned by a Storage when no blob exists under a key.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that could escape the storage root.
var ErrInvalidKey = errors.New("invalid object key")

// Storage defines the interface for blob storage. A blob written by Put is
// visible under key only once it is complete.
type Storage interface {
	Put(ctx context.Context, key string, data io.Reader, size int64) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// StagingCleaner is implemented by backends that stage writes locally and
// can leave debris behind after a crash.
type StagingCleaner interface {
	CleanStaging(ctx context.Context, olderThan time.Duration) (int, error)
}

// DefaultSaveName is used when an upload names neither a save nor a file.
const DefaultSaveName = "DragonWilds.sav"

// validSaveName permits letters, digits, space, dot, underscore and dash,
// and must not start with punctuation.
var validSaveName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._-]{0,63}$`)

// ValidateSaveName rejects names that are unsafe as a path component.
func ValidateSaveName(name string) error {
	if !validSaveName.MatchString(name) || strings.Contains(name, "..") || strings.HasSuffix(name, " ") {
		return fmt.Errorf("%w: save name %q", ErrInvalidInput, name)
	}
	return nil
}

const timestampLayout = "20060102-150405.000000000"

// ObjectKey returns the storage key for one upload:
// <user>/<save>/<YYYYmmdd-HHMMSS.nnnnnnnnn>_<id>.sav
func ObjectKey(userID, saveName string, at time.Time, id string) string {
	return path.Join(userID, saveName, at.UTC().Format(timestampLayout)+"_"+id+".sav")
}

// validateKey accepts slash separated keys whose segments are plain names.
// Segments starting with a dot are reserved for the backend.
func validateKey(key string) error {
	if key == "" || len(key) > 512 || strings.ContainsAny(key, "\\\x00") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || strings.HasPrefix(seg, ".") {
			return ErrInvalidKey
		}
	}
	return nil
}

package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FailureFile is written into the state directory when an automatic upload
// gives up, and removed after the next successful upload.
const FailureFile = "last_upload_failure"

// Failure is the content of the failure marker.
type Failure struct {
	Time    time.Time
	Save    string
	Reason  string
	Message string
}

func recordFailure(dir string, f Failure) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	body := fmt.Sprintf("time: %s\nsave: %s\nreason: %s\nerror: %s\n",
		f.Time.UTC().Format(time.RFC3339), f.Save, f.Reason, strings.ReplaceAll(f.Message, "\n", " "))
	return os.WriteFile(filepath.Join(dir, FailureFile), []byte(body), 0o600)
}

func clearFailure(dir string) error {
	err := os.Remove(filepath.Join(dir, FailureFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ReadFailure returns the recorded failure, if any.
func ReadFailure(dir string) (*Failure, error) {
	data, err := os.ReadFile(filepath.Join(dir, FailureFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	f := &Failure{}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "time":
			f.Time, _ = time.Parse(time.RFC3339, value)
		case "save":
			f.Save = value
		case "reason":
			f.Reason = value
		case "error":
			f.Message = value
		}
	}
	return f, nil
}

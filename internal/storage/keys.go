package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFilename reduces a client-supplied filename to its base name with
// only portable characters.
func SafeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "upload"
	}
	return name
}

func datePrefix(prefix string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d", prefix, t.Year(), int(t.Month()), t.Day())
}

// UploadKey places an uploaded event log under a date partition. The random
// prefix keeps uploads with the same name apart.
func UploadKey(t time.Time, filename string) string {
	return fmt.Sprintf("%s/%s_%s", datePrefix("uploads/event_logs", t), uuid.NewString(), SafeFilename(filename))
}

// ModelKey is where the PNML model of a job is stored.
func ModelKey(t time.Time, method string, jobID int64) string {
	return fmt.Sprintf("%s/%s_job_%d.pnml", datePrefix("outputs/models", t), method, jobID)
}

// ImageKey is where the rendered process map of a job is stored.
func ImageKey(t time.Time, method string, jobID int64, format string) string {
	return fmt.Sprintf("%s/%s_job_%d.%s", datePrefix("outputs/process_maps", t), method, jobID, format)
}

// validKey rejects keys that could escape the store root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

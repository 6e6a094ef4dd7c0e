// Package quota decides whether a user may spend resources on a mining job.
// Every check is a pure function of the user's license attributes and the
// observed usage; none of them has side effects.
package quota

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/procmine/pkg/models"
	"github.com/samber/lo"
)

// UpgradeURL is where denied users are pointed to lift their limits.
const UpgradeURL = "/accounts/activate-license/"

const (
	CodeAlgorithmNotAllowed = "ALGORITHM_NOT_ALLOWED"
	CodeProjectLimit        = "PROJECT_LIMIT_REACHED"
	CodeRowLimit            = "ROW_LIMIT_EXCEEDED"
)

// ErrDenied matches every *DeniedError via errors.Is.
var ErrDenied = errors.New("quota denied")

// DeniedError explains which limit refused the request.
type DeniedError struct {
	Code      string
	Message   string
	Permitted []string
	Limit     int
	Observed  int
}

func (e *DeniedError) Error() string { return e.Message }

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// CheckAlgorithmAccess allows premium users any algorithm. Free users may use
// an algorithm listed in AllowedAlgorithms; an empty list allows all of them.
func CheckAlgorithmAccess(u *models.User, algorithm string, now time.Time) error {
	if u.IsPremium(now) || len(u.AllowedAlgorithms) == 0 {
		return nil
	}
	if lo.Contains(u.AllowedAlgorithms, algorithm) {
		return nil
	}
	return &DeniedError{
		Code: CodeAlgorithmNotAllowed,
		Message: fmt.Sprintf("Algorithm '%s' is not available on your plan. Permitted: %s.",
			algorithm, strings.Join(u.AllowedAlgorithms, ", ")),
		Permitted: append([]string(nil), u.AllowedAlgorithms...),
	}
}

// CheckProjectLimit denies a free user who already owns MaxProjects distinct
// projects. A zero limit is unlimited.
func CheckProjectLimit(u *models.User, existingProjects int, now time.Time) error {
	if u.IsPremium(now) || u.MaxProjects <= 0 {
		return nil
	}
	if existingProjects < u.MaxProjects {
		return nil
	}
	return &DeniedError{
		Code:     CodeProjectLimit,
		Message:  fmt.Sprintf("Project limit reached (%d projects).", u.MaxProjects),
		Limit:    u.MaxProjects,
		Observed: existingProjects,
	}
}

// CheckRowLimit denies a free user whose log has more than MaxLogRows rows.
// A zero limit is unlimited.
func CheckRowLimit(u *models.User, rows int, now time.Time) error {
	if u.IsPremium(now) || u.MaxLogRows <= 0 {
		return nil
	}
	if rows <= u.MaxLogRows {
		return nil
	}
	return &DeniedError{
		Code: CodeRowLimit,
		Message: fmt.Sprintf("Log size limit exceeded (%s rows). Your plan allows up to %s rows.",
			groupThousands(rows), groupThousands(u.MaxLogRows)),
		Limit:    u.MaxLogRows,
		Observed: rows,
	}
}

// NeedsRowCount reports whether CheckRowLimit can deny this user, so callers
// can skip the pre-scan for unlimited users.
func NeedsRowCount(u *models.User, now time.Time) bool {
	return !u.IsPremium(now) && u.MaxLogRows > 0
}

func groupThousands(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

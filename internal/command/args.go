package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/newcircuit/modmail/internal/service"
)

var errMissingArgs = errors.New("missing arguments")

// durationUnits accepts the short forms staff type, e.g. 5d, 12hr, 30m.
var durationUnits = map[string]time.Duration{
	"w":   7 * 24 * time.Hour,
	"d":   24 * time.Hour,
	"h":   time.Hour,
	"hr":  time.Hour,
	"hrs": time.Hour,
	"m":   time.Minute,
	"min": time.Minute,
	"s":   time.Second,
}

// ParseDuration reads durations such as "5d", "1d12h" or "90m".
func ParseDuration(input string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var total time.Duration
	for s != "" {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("invalid duration %q", input)
		}
		n, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", input, err)
		}
		s = s[i:]

		j := 0
		for j < len(s) && unicode.IsLetter(rune(s[j])) {
			j++
		}
		unit, ok := durationUnits[s[:j]]
		if !ok {
			return 0, fmt.Errorf("invalid duration unit in %q", input)
		}
		total += time.Duration(n) * unit
		s = s[j:]
	}
	return total, nil
}

// isUserRef reports whether token is a raw id or a <@id> mention.
func isUserRef(token string) bool {
	if strings.HasPrefix(token, "<@") {
		return true
	}
	if token == "" {
		return false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// userID strips mention decoration from a user reference.
func userID(token string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, token)
}

// Failure is an error with a message meant for the invoking channel.
type Failure struct {
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Message
	}
	return fmt.Sprintf("%s: %v", f.Message, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(message string, err error) error {
	return &Failure{Message: message, Err: err}
}

// ReplyFor turns a dispatch error into the text shown to staff. It returns
// an empty string for unknown commands so unrelated chatter stays quiet.
func ReplyFor(err error) string {
	var (
		failure  *Failure
		usage    *UsageError
		delivery *service.DeliveryError
	)
	switch {
	case err == nil, errors.Is(err, ErrUnknownCommand):
		return ""
	case errors.As(err, &failure):
		return failure.Message
	case errors.Is(err, ErrForbidden), errors.Is(err, service.ErrForbidden):
		return "You don't have permission to do that."
	case errors.As(err, &usage):
		return "Usage: " + usage.Usage
	case errors.As(err, &delivery):
		return delivery.Reason
	case errors.Is(err, service.ErrEmptyMessage):
		return "There's nothing to send."
	case errors.Is(err, service.ErrCategoryInactive):
		return "That category isn't active."
	case errors.Is(err, service.ErrNotFound):
		return "Couldn't find that."
	case errors.Is(err, service.ErrConflict):
		return "That conflicts with something that already exists."
	case errors.Is(err, service.ErrPersistenceUnavailable):
		return "Storage is unavailable right now, try again shortly."
	default:
		return "Something went wrong running that command."
	}
}

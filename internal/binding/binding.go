// Package binding stores which group member is which in-game player.
package binding

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

var (
	ErrAlreadyBound  = errors.New("member already bound")
	ErrNicknameTaken = errors.New("nickname bound to another member")
	ErrNotBound      = errors.New("member not bound")
	ErrBadNickname   = errors.New("nickname must be 3 to 16 characters without spaces")
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Store maps group member ids to nicknames. Both directions are unique.
type Store interface {
	Bind(ctx context.Context, userID int64, nickname string) error
	// Unbind removes the member's binding and returns the nickname it held.
	Unbind(ctx context.Context, userID int64) (string, error)
	Nickname(ctx context.Context, userID int64) (string, bool, error)
	Close() error
}

// Open connects to the configured store and prepares its schema.
func Open(ctx context.Context, driver, dsn string, log zerolog.Logger) (Store, error) {
	log = log.With().Str("component", "binding").Str("driver", driver).Logger()
	switch driver {
	case DriverSQLite, "":
		s, err := openSQLite(ctx, dsn, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMySQL:
		s, err := openMySQL(dsn, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported binding store driver %q", driver)
	}
}

// ValidNickname applies the game's player-name length rule.
func ValidNickname(nickname string) error {
	n := utf8.RuneCountInString(nickname)
	if n < 3 || n > 16 {
		return ErrBadNickname
	}
	for _, r := range nickname {
		if r == ' ' || r == '\t' {
			return ErrBadNickname
		}
	}
	return nil
}

// Package storage defines persistence for stored scripts.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Usage says when a stored script runs.
type Usage string

const (
	// UsageScript scripts run only on demand.
	UsageScript Usage = "script"
	// UsageTrigger scripts run on a cron schedule.
	UsageTrigger Usage = "trigger"
	// UsageInterceptor scripts run as a chain before a guild command.
	UsageInterceptor Usage = "interceptor"
	// UsageFinalizer scripts run as a chain after a guild command.
	UsageFinalizer Usage = "finalizer"
)

// Usages lists every usage in display order.
func Usages() []Usage {
	return []Usage{UsageScript, UsageTrigger, UsageInterceptor, UsageFinalizer}
}

// ParseUsage converts s to a Usage.
func ParseUsage(s string) (Usage, error) {
	for _, u := range Usages() {
		if string(u) == strings.ToLower(s) {
			return u, nil
		}
	}
	return "", fmt.Errorf("%w: unknown usage %q", ErrInvalidScript, s)
}

const (
	MaxIdentifierLength = 30
	MaxSourceLength     = 1000
)

var (
	// ErrNotFound is returned when a stored script does not exist.
	ErrNotFound = errors.New("stored script not found")
	// ErrDuplicate is returned when a guild already has a script with the identifier.
	ErrDuplicate = errors.New("stored script identifier already in use")
	// ErrInvalidScript is returned by Validate.
	ErrInvalidScript = errors.New("invalid stored script")
)

// Script is a script saved for a guild.
type Script struct {
	ID         uuid.UUID  `json:"id"`
	GuildID    string     `json:"guild_id" validate:"required"`
	Identifier string     `json:"identifier" validate:"required,max=30"`
	Source     string     `json:"source" validate:"required,max=1000"`
	Usage      Usage      `json:"usage" validate:"required,oneof=script trigger interceptor finalizer"`
	Active     bool       `json:"active"`
	Position   int        `json:"position" validate:"gte=0"`
	Schedule   string     `json:"schedule,omitempty"`
	AuthorID   string     `json:"author_id,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

var validate = validator.New()

// Validate checks the field limits of s. Only triggers carry a schedule.
func (s *Script) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidScript, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if strings.ContainsAny(s.Identifier, " \t\r\n") {
		return fmt.Errorf("%w: identifier must not contain whitespace", ErrInvalidScript)
	}
	if s.Schedule != "" && s.Usage != UsageTrigger {
		return fmt.Errorf("%w: only trigger scripts may have a schedule", ErrInvalidScript)
	}
	return nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	GuildID    string
	Usage      Usage
	ActiveOnly bool
}

// ScriptStore is the persistence interface for stored scripts.
type ScriptStore interface {
	Create(ctx context.Context, s *Script) error
	Get(ctx context.Context, id uuid.UUID) (*Script, error)
	GetByIdentifier(ctx context.Context, guildID, identifier string) (*Script, error)
	// List returns scripts ordered by position, then creation time.
	List(ctx context.Context, f Filter) ([]Script, error)
	Update(ctx context.Context, s *Script) error
	Delete(ctx context.Context, id uuid.UUID) error
	SetActive(ctx context.Context, id uuid.UUID, active bool, nextRunAt *time.Time) error
	// DueTriggers returns active scheduled triggers whose NextRunAt <= now.
	DueTriggers(ctx context.Context, now time.Time) ([]Script, error)
	RecordRun(ctx context.Context, id uuid.UUID, status string, nextRunAt time.Time) error
}

// Store is implemented by both backends.
type Store interface {
	Scripts() ScriptStore
	// WithinTx runs fn with a ScriptStore bound to one transaction.
	WithinTx(ctx context.Context, fn func(ScriptStore) error) error

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

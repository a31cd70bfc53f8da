package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/scriptbox/internal/storage"
)

// ScriptRepository implements storage.ScriptStore with GORM.
type ScriptRepository struct {
	db      *gorm.DB
	locking bool
}

// NewScriptRepository creates a ScriptRepository.
func NewScriptRepository(db *gorm.DB) *ScriptRepository {
	return &ScriptRepository{db: db}
}

// WithRowLocking makes DueTriggers lock the returned rows with
// SELECT ... FOR UPDATE SKIP LOCKED, so that several instances never fire
// the same trigger. Only PostgreSQL supports it.
func (r *ScriptRepository) WithRowLocking() *ScriptRepository {
	r.locking = true
	return r
}

// Create persists a new stored script. A zero ID is replaced with a new UUID.
func (r *ScriptRepository) Create(ctx context.Context, s *storage.Script) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ScriptModel{}).
			Where("guild_id = ? AND identifier = ?", s.GuildID, s.Identifier).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking identifier %s: %w", s.Identifier, err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", storage.ErrDuplicate, s.Identifier)
		}
		model := toScriptModel(s)
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("creating stored script: %w", err)
		}
		s.CreatedAt, s.UpdatedAt = model.CreatedAt, model.UpdatedAt
		return nil
	})
}

// Get retrieves a stored script by ID.
func (r *ScriptRepository) Get(ctx context.Context, id uuid.UUID) (*storage.Script, error) {
	var model ScriptModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, notFound(err, id.String())
	}
	return toScriptDomain(&model), nil
}

// GetByIdentifier retrieves a guild's stored script by identifier.
func (r *ScriptRepository) GetByIdentifier(ctx context.Context, guildID, identifier string) (*storage.Script, error) {
	var model ScriptModel
	if err := r.db.WithContext(ctx).
		Where("guild_id = ? AND identifier = ?", guildID, identifier).
		First(&model).Error; err != nil {
		return nil, notFound(err, identifier)
	}
	return toScriptDomain(&model), nil
}

// List returns the stored scripts matching f in chain order.
func (r *ScriptRepository) List(ctx context.Context, f storage.Filter) ([]storage.Script, error) {
	q := r.db.WithContext(ctx).Model(&ScriptModel{})
	if f.GuildID != "" {
		q = q.Where("guild_id = ?", f.GuildID)
	}
	if f.Usage != "" {
		q = q.Where("usage = ?", string(f.Usage))
	}
	if f.ActiveOnly {
		q = q.Where("active = ?", true)
	}

	var models []ScriptModel
	if err := q.Order("position ASC").Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing stored scripts: %w", err)
	}
	scripts := make([]storage.Script, len(models))
	for i := range models {
		scripts[i] = *toScriptDomain(&models[i])
	}
	return scripts, nil
}

// Update persists changes to an existing stored script.
func (r *ScriptRepository) Update(ctx context.Context, s *storage.Script) error {
	model := toScriptModel(s)
	result := r.db.WithContext(ctx).Model(&ScriptModel{}).Where("id = ?", s.ID).Updates(map[string]any{
		"source":      model.Source,
		"usage":       model.Usage,
		"active":      model.Active,
		"position":    model.Position,
		"schedule":    model.Schedule,
		"next_run_at": model.NextRunAt,
		"updated_at":  time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("updating stored script %s: %w", s.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, s.ID)
	}
	return nil
}

// Delete removes a stored script by ID.
func (r *ScriptRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&ScriptModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting stored script %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// SetActive activates or deactivates a stored script. nextRunAt is stored as
// given so that deactivating a trigger clears its schedule.
func (r *ScriptRepository) SetActive(ctx context.Context, id uuid.UUID, active bool, nextRunAt *time.Time) error {
	result := r.db.WithContext(ctx).Model(&ScriptModel{}).Where("id = ?", id).Updates(map[string]any{
		"active":      active,
		"next_run_at": nextRunAt,
		"updated_at":  time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("setting active on stored script %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// DueTriggers returns active triggers whose NextRunAt <= now.
func (r *ScriptRepository) DueTriggers(ctx context.Context, now time.Time) ([]storage.Script, error) {
	q := r.db.WithContext(ctx)
	if r.locking {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var models []ScriptModel
	if err := q.
		Where("usage = ? AND active = ? AND schedule <> '' AND next_run_at IS NOT NULL AND next_run_at <= ?",
			string(storage.UsageTrigger), true, now).
		Order("next_run_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("getting due triggers: %w", err)
	}
	scripts := make([]storage.Script, len(models))
	for i := range models {
		scripts[i] = *toScriptDomain(&models[i])
	}
	return scripts, nil
}

// RecordRun stores the outcome of a scheduled run and the next run time.
func (r *ScriptRepository) RecordRun(ctx context.Context, id uuid.UUID, status string, nextRunAt time.Time) error {
	now := time.Now().UTC()
	if err := r.db.WithContext(ctx).
		Model(&ScriptModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_run_at": now,
			"last_status": status,
			"next_run_at": nextRunAt,
			"updated_at":  now,
		}).Error; err != nil {
		return fmt.Errorf("recording run for stored script %s: %w", id, err)
	}
	return nil
}

func notFound(err error, key string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return fmt.Errorf("getting stored script %s: %w", key, err)
}

var _ storage.ScriptStore = (*ScriptRepository)(nil)

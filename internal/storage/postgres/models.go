package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/storage"
)

// ScriptModel maps to the "stored_scripts" table.
type ScriptModel struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	GuildID    string     `gorm:"not null;uniqueIndex:idx_scripts_guild_identifier;index:idx_scripts_guild_usage"`
	Identifier string     `gorm:"size:30;not null;uniqueIndex:idx_scripts_guild_identifier"`
	Source     string     `gorm:"type:text;not null"`
	Usage      string     `gorm:"size:16;not null;index:idx_scripts_guild_usage"`
	Active     bool       `gorm:"not null;default:false"`
	Position   int        `gorm:"not null;default:0"`
	Schedule   string     `gorm:"not null;default:''"`
	AuthorID   string     `gorm:"not null;default:''"`
	NextRunAt  *time.Time `gorm:"index"`
	LastRunAt  *time.Time
	LastStatus string `gorm:"not null;default:''"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (ScriptModel) TableName() string { return "stored_scripts" }

func toScriptModel(s *storage.Script) ScriptModel {
	return ScriptModel{
		ID:         s.ID,
		GuildID:    s.GuildID,
		Identifier: s.Identifier,
		Source:     s.Source,
		Usage:      string(s.Usage),
		Active:     s.Active,
		Position:   s.Position,
		Schedule:   s.Schedule,
		AuthorID:   s.AuthorID,
		NextRunAt:  s.NextRunAt,
		LastRunAt:  s.LastRunAt,
		LastStatus: s.LastStatus,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func toScriptDomain(m *ScriptModel) *storage.Script {
	return &storage.Script{
		ID:         m.ID,
		GuildID:    m.GuildID,
		Identifier: m.Identifier,
		Source:     m.Source,
		Usage:      storage.Usage(m.Usage),
		Active:     m.Active,
		Position:   m.Position,
		Schedule:   m.Schedule,
		AuthorID:   m.AuthorID,
		NextRunAt:  m.NextRunAt,
		LastRunAt:  m.LastRunAt,
		LastStatus: m.LastStatus,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

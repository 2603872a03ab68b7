package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type submissionRow struct {
	BattleID    string `gorm:"primaryKey;size:64"`
	Slot        int    `gorm:"primaryKey"`
	Prompt      string
	ArtifactRef string
	Scores      string // JSON map of criterion -> points, empty until judged
	Forfeit     bool
	SubmittedAt time.Time
}

func (submissionRow) TableName() string { return "battle_submissions" }

type battleRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	ParticipantA string
	ParticipantB string
	Phase        string
	Winner       string
	Reason       string
	CreatedAt    time.Time
	CompletedAt  time.Time
}

func (battleRow) TableName() string { return "battles" }

// Postgres persists submissions and battle archives through gorm. PutOnce
// relies on ON CONFLICT DO NOTHING against the (battle_id, slot) primary key,
// so the database resolves duplicate submission races.
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&submissionRow{}, &battleRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) PutOnce(ctx context.Context, sub Submission) (bool, error) {
	row := submissionRow{
		BattleID:    sub.BattleID,
		Slot:        sub.Slot,
		Prompt:      sub.Prompt,
		ArtifactRef: sub.ArtifactRef,
		Forfeit:     sub.Forfeit,
		SubmittedAt: sub.SubmittedAt,
	}
	if sub.Scores != nil {
		b, _ := json.Marshal(sub.Scores)
		row.Scores = string(b)
	}
	res := p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (p *Postgres) AttachArtifact(ctx context.Context, battleID string, slot int, ref string) error {
	res := p.db.WithContext(ctx).Model(&submissionRow{}).
		Where("battle_id = ? AND slot = ?", battleID, slot).
		Update("artifact_ref", ref)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AttachScores(ctx context.Context, battleID string, slot int, scores map[string]int) error {
	b, _ := json.Marshal(scores)
	res := p.db.WithContext(ctx).Model(&submissionRow{}).
		Where("battle_id = ? AND slot = ?", battleID, slot).
		Update("scores", string(b))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, battleID string, slot int) (*Submission, error) {
	var row submissionRow
	err := p.db.WithContext(ctx).First(&row, "battle_id = ? AND slot = ?", battleID, slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub := rowToSubmission(row)
	return &sub, nil
}

func (p *Postgres) ListByBattle(ctx context.Context, battleID string) ([]Submission, error) {
	var rows []submissionRow
	if err := p.db.WithContext(ctx).Where("battle_id = ?", battleID).Order("slot").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Submission, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToSubmission(r))
	}
	return out, nil
}

func (p *Postgres) SaveBattle(ctx context.Context, rec BattleRecord) error {
	row := battleRow(rec)
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (p *Postgres) GetBattle(ctx context.Context, id string) (*BattleRecord, error) {
	var row battleRow
	err := p.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := BattleRecord(row)
	return &rec, nil
}

func rowToSubmission(r submissionRow) Submission {
	sub := Submission{
		BattleID:    r.BattleID,
		Slot:        r.Slot,
		Prompt:      r.Prompt,
		ArtifactRef: r.ArtifactRef,
		Forfeit:     r.Forfeit,
		SubmittedAt: r.SubmittedAt,
	}
	if r.Scores != "" {
		_ = json.Unmarshal([]byte(r.Scores), &sub.Scores)
	}
	return sub
}

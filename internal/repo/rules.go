package repo

import (
	"context"
	"database/sql"
	"errors"

	"signoff/internal/domain"
)

const ruleColumns = `id,version,payload,certificate,COALESCE(draft_id,''),committed_at`

func scanRules(row rowScanner) (domain.RuleConfiguration, error) {
	var cfg domain.RuleConfiguration
	var committedAt string
	err := row.Scan(&cfg.ID, &cfg.Version, &cfg.Payload, &cfg.Certificate, &cfg.DraftID, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, ErrNotFound
	}
	if err != nil {
		return cfg, err
	}
	cfg.CommittedAt, err = parseTime(committedAt)
	return cfg, err
}

// CurrentRules returns the rule configuration in force.
func (r Repo) CurrentRules(ctx context.Context) (domain.RuleConfiguration, error) {
	return r.CurrentRulesTx(ctx, nil)
}

func (r Repo) CurrentRulesTx(ctx context.Context, tx *sql.Tx) (domain.RuleConfiguration, error) {
	return scanRules(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rule_configurations WHERE is_current=1`))
}

// ReplaceRulesTx retires the current configuration and installs cfg.
func (r Repo) ReplaceRulesTx(ctx context.Context, tx *sql.Tx, cfg domain.RuleConfiguration) error {
	if _, err := r.q(tx).ExecContext(ctx, `UPDATE rule_configurations SET is_current=0 WHERE is_current=1`); err != nil {
		return err
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO rule_configurations(id,version,payload,certificate,draft_id,is_current,committed_at)
VALUES (?,?,?,?,?,1,?)`, cfg.ID, cfg.Version, cfg.Payload, cfg.Certificate, nullable(cfg.DraftID), formatTime(cfg.CommittedAt))
	return err
}

// RuleHistory lists configurations newest first, the current one included.
func (r Repo) RuleHistory(ctx context.Context, limit int) ([]domain.RuleConfiguration, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rule_configurations ORDER BY committed_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleConfiguration
	for rows.Next() {
		cfg, err := scanRules(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cfg)
	}
	return res, rows.Err()
}

package repository

import (
	"database/sql"
	"fmt"

	"github.com/lvdashuaibi/deliberate/internal/model"
)

// CreateDeliberation 创建审议
func (r *MySQLRepository) CreateDeliberation(d *model.Deliberation) error {
	query := `INSERT INTO deliberations
			 (id, creator_id, title, phase, current_tier, challenge_round, rolling_mode)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.masterDB.Exec(query,
		d.ID, d.CreatorID, d.Title, d.Phase, d.CurrentTier, d.ChallengeRound, d.RollingMode,
	)
	if err != nil {
		return fmt.Errorf("创建审议失败: %w", err)
	}
	return nil
}

const deliberationColumns = `id, creator_id, title, phase, current_tier, challenge_round,
		rolling_mode, champion_idea_id, accumulation_deadline, created_at, updated_at`

func scanDeliberation(row interface{ Scan(...interface{}) error }) (*model.Deliberation, error) {
	var d model.Deliberation
	var champion sql.NullString
	var accDeadline sql.NullTime
	err := row.Scan(&d.ID, &d.CreatorID, &d.Title, &d.Phase, &d.CurrentTier,
		&d.ChallengeRound, &d.RollingMode, &champion, &accDeadline, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if champion.Valid {
		d.ChampionIdeaID = champion.String
	}
	if accDeadline.Valid {
		t := accDeadline.Time
		d.AccumulationDeadline = &t
	}
	return &d, nil
}

// GetDeliberation 查询审议
func (r *MySQLRepository) GetDeliberation(id string) (*model.Deliberation, error) {
	query := "SELECT " + deliberationColumns + " FROM deliberations WHERE id = ?"
	d, err := scanDeliberation(r.slaveDB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.ErrNotFound, "审议 %s 不存在", id)
		}
		return nil, fmt.Errorf("查询审议失败: %w", err)
	}
	return d, nil
}

// getDeliberationForUpdate 事务内锁定审议行
func getDeliberationForUpdate(tx *sql.Tx, id string) (*model.Deliberation, error) {
	query := "SELECT " + deliberationColumns + " FROM deliberations WHERE id = ? FOR UPDATE"
	d, err := scanDeliberation(tx.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.ErrNotFound, "审议 %s 不存在", id)
		}
		return nil, err
	}
	return d, nil
}

// ListActiveDeliberations 列出仍需要扫描推进的审议
func (r *MySQLRepository) ListActiveDeliberations() ([]*model.Deliberation, error) {
	query := "SELECT " + deliberationColumns + ` FROM deliberations
			 WHERE phase IN (?, ?) ORDER BY created_at`
	rows, err := r.slaveDB.Query(query, model.PhaseVoting, model.PhaseAccumulating)
	if err != nil {
		return nil, fmt.Errorf("查询活跃审议失败: %w", err)
	}
	defer rows.Close()

	var result []*model.Deliberation
	for rows.Next() {
		d, err := scanDeliberation(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描审议失败: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代审议失败: %w", err)
	}
	return result, nil
}

// CreateIdea 提交议题
func (r *MySQLRepository) CreateIdea(idea *model.Idea) error {
	query := `INSERT INTO ideas
			 (id, deliberation_id, author_id, text, status, tier, vote_weight,
			  is_champion, defended_rounds, is_new, benched_rounds)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.masterDB.Exec(query,
		idea.ID, idea.DeliberationID, idea.AuthorID, idea.Text, idea.Status,
		idea.Tier, idea.VoteWeight, idea.IsChampion, idea.DefendedRounds,
		idea.IsNew, idea.BenchedRounds,
	)
	if err != nil {
		return fmt.Errorf("创建议题失败: %w", err)
	}
	return nil
}

const ideaColumns = `id, deliberation_id, author_id, text, status, tier, vote_weight,
		is_champion, defended_rounds, is_new, benched_rounds, created_at`

func scanIdea(row interface{ Scan(...interface{}) error }) (*model.Idea, error) {
	var idea model.Idea
	err := row.Scan(&idea.ID, &idea.DeliberationID, &idea.AuthorID, &idea.Text,
		&idea.Status, &idea.Tier, &idea.VoteWeight, &idea.IsChampion,
		&idea.DefendedRounds, &idea.IsNew, &idea.BenchedRounds, &idea.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &idea, nil
}

// GetIdea 查询议题
func (r *MySQLRepository) GetIdea(id string) (*model.Idea, error) {
	query := "SELECT " + ideaColumns + " FROM ideas WHERE id = ?"
	idea, err := scanIdea(r.slaveDB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.ErrNotFound, "议题 %s 不存在", id)
		}
		return nil, fmt.Errorf("查询议题失败: %w", err)
	}
	return idea, nil
}

// ListIdeasByStatus 按状态列出审议内的议题
func (r *MySQLRepository) ListIdeasByStatus(deliberationID string, statuses ...model.IdeaStatus) ([]*model.Idea, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := "SELECT " + ideaColumns + " FROM ideas WHERE deliberation_id = ? AND status IN ("
	args := []interface{}{deliberationID}
	for i, s := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, s)
	}
	query += ") ORDER BY created_at"

	rows, err := r.slaveDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询议题列表失败: %w", err)
	}
	defer rows.Close()

	var result []*model.Idea
	for rows.Next() {
		idea, err := scanIdea(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描议题失败: %w", err)
		}
		result = append(result, idea)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代议题失败: %w", err)
	}
	return result, nil
}

package repository

import (
	"database/sql"
	"fmt"

	"github.com/lvdashuaibi/deliberate/internal/engine"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

const commentColumns = `id, deliberation_id, cell_id, tier, idea_id, author_id, body,
		upvotes, spread_count, reach_tier, created_at`

func scanComment(row interface{ Scan(...interface{}) error }) (*model.Comment, error) {
	var c model.Comment
	var ideaID sql.NullString
	err := row.Scan(&c.ID, &c.DeliberationID, &c.CellID, &c.Tier, &ideaID, &c.AuthorID,
		&c.Body, &c.Upvotes, &c.SpreadCount, &c.ReachTier, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if ideaID.Valid {
		c.IdeaID = ideaID.String
	}
	return &c, nil
}

// CreateComment 写入评论，可见层级从原层级起步
func (r *MySQLRepository) CreateComment(c *model.Comment) error {
	var ideaID interface{}
	if c.IdeaID != "" {
		ideaID = c.IdeaID
	}
	query := `INSERT INTO comments
			 (id, deliberation_id, cell_id, tier, idea_id, author_id, body,
			  upvotes, spread_count, reach_tier)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`
	_, err := r.masterDB.Exec(query,
		c.ID, c.DeliberationID, c.CellID, c.Tier, ideaID, c.AuthorID, c.Body, c.Tier)
	if err != nil {
		return fmt.Errorf("创建评论失败: %w", err)
	}
	return nil
}

// GetComment 查询评论
func (r *MySQLRepository) GetComment(id string) (*model.Comment, error) {
	query := "SELECT " + commentColumns + " FROM comments WHERE id = ?"
	c, err := scanComment(r.slaveDB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.ErrNotFound, "评论 %s 不存在", id)
		}
		return nil, fmt.Errorf("查询评论失败: %w", err)
	}
	return c, nil
}

// UpvoteComment 给评论点赞，并在同一事务内由新的点赞数
// 重新推导同层扩散名额与跨层可见层级
func (r *MySQLRepository) UpvoteComment(commentID string, promoteStep, spreadStep int) (*model.Comment, error) {
	var updated *model.Comment

	err := r.withTx("评论点赞", func(tx *sql.Tx) error {
		query := "SELECT " + commentColumns + " FROM comments WHERE id = ? FOR UPDATE"
		c, err := scanComment(tx.QueryRow(query, commentID))
		if err != nil {
			if err == sql.ErrNoRows {
				return model.NewError(model.ErrNotFound, "评论 %s 不存在", commentID)
			}
			return err
		}

		c.Upvotes++
		c.SpreadCount = engine.DeriveSpreadCount(c.Upvotes, spreadStep)
		c.ReachTier = engine.DeriveReachTier(c.Tier, c.Upvotes, promoteStep)

		if _, err := tx.Exec(`UPDATE comments
			SET upvotes = ?, spread_count = ?, reach_tier = ? WHERE id = ?`,
			c.Upvotes, c.SpreadCount, c.ReachTier, commentID); err != nil {
			return fmt.Errorf("更新评论点赞失败: %w", err)
		}

		updated = c
		return nil
	})

	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *MySQLRepository) queryComments(query string, args ...interface{}) ([]*model.Comment, error) {
	rows, err := r.slaveDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询评论列表失败: %w", err)
	}
	defer rows.Close()

	var comments []*model.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描评论失败: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ListLocalComments 小组内产生的评论
func (r *MySQLRepository) ListLocalComments(cellID string) ([]*model.Comment, error) {
	query := "SELECT " + commentColumns + ` FROM comments
			 WHERE cell_id = ? ORDER BY created_at DESC`
	return r.queryComments(query, cellID)
}

// ListPromotedCandidates 跨层晋升候选：关联议题在目标小组内、
// 产生于更低层级、且可见层级已晋升到目标层的评论
func (r *MySQLRepository) ListPromotedCandidates(cell *model.Cell) ([]*model.Comment, error) {
	query := "SELECT " + commentColumns + ` FROM comments
			 WHERE deliberation_id = ?
			   AND idea_id IN (SELECT idea_id FROM cell_ideas WHERE cell_id = ?)
			   AND tier < ?
			   AND reach_tier >= ?
			   AND cell_id != ?
			 ORDER BY (reach_tier - tier) DESC, created_at DESC`
	return r.queryComments(query, cell.DeliberationID, cell.ID, cell.Tier, cell.Tier, cell.ID)
}

// ListSpreadCandidates 同层病毒式扩散候选：同层兄弟小组里
// 关联了目标小组议题、且已有扩散名额的评论
func (r *MySQLRepository) ListSpreadCandidates(cell *model.Cell) ([]*model.Comment, error) {
	query := "SELECT " + commentColumns + ` FROM comments
			 WHERE deliberation_id = ?
			   AND tier = ?
			   AND cell_id != ?
			   AND spread_count > 0
			   AND idea_id IN (SELECT idea_id FROM cell_ideas WHERE cell_id = ?)
			 ORDER BY spread_count DESC, created_at DESC`
	return r.queryComments(query, cell.DeliberationID, cell.Tier, cell.ID, cell.ID)
}

// SiblingCellIDs 同一层级中共享某议题的全部小组。
// 议题批次在同层小组间轮转复用；扩散排名前调用方需剔除评论原小组
func (r *MySQLRepository) SiblingCellIDs(deliberationID string, tier int, ideaID string) ([]string, error) {
	rows, err := r.slaveDB.Query(`SELECT c.id FROM cells c
		JOIN cell_ideas ci ON ci.cell_id = c.id
		WHERE c.deliberation_id = ? AND c.tier = ? AND ci.idea_id = ?
		ORDER BY c.id`, deliberationID, tier, ideaID)
	if err != nil {
		return nil, fmt.Errorf("查询共享议题的同层小组失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("扫描同层小组失败: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

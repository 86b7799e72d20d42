package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/deliberate/internal/engine"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

const cellColumns = `id, deliberation_id, tier, batch_index, status, voting_deadline, finalize_at, created_at`

func scanCell(row interface{ Scan(...interface{}) error }) (*model.Cell, error) {
	var c model.Cell
	var finalizeAt sql.NullTime
	err := row.Scan(&c.ID, &c.DeliberationID, &c.Tier, &c.BatchIndex, &c.Status,
		&c.VotingDeadline, &finalizeAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if finalizeAt.Valid {
		t := finalizeAt.Time
		c.FinalizeAt = &t
	}
	return &c, nil
}

type queryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

// cellIdeaIDs 读取小组固定的议题集合
func cellIdeaIDs(q queryer, cellID string) ([]string, error) {
	rows, err := q.Query("SELECT idea_id FROM cell_ideas WHERE cell_id = ? ORDER BY idea_id", cellID)
	if err != nil {
		return nil, fmt.Errorf("查询小组议题集合失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("扫描小组议题失败: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetCell 查询小组及其固定议题集合
func (r *MySQLRepository) GetCell(cellID string) (*model.Cell, error) {
	query := "SELECT " + cellColumns + " FROM cells WHERE id = ?"
	c, err := scanCell(r.slaveDB.QueryRow(query, cellID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.ErrNotFound, "小组 %s 不存在", cellID)
		}
		return nil, fmt.Errorf("查询小组失败: %w", err)
	}

	c.IdeaIDs, err = cellIdeaIDs(r.slaveDB, cellID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// getCellForUpdate 事务内锁定小组行并加载议题集合
func getCellForUpdate(tx *sql.Tx, cellID string) (*model.Cell, error) {
	query := "SELECT " + cellColumns + " FROM cells WHERE id = ? FOR UPDATE"
	c, err := scanCell(tx.QueryRow(query, cellID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.ErrNotFound, "小组 %s 不存在", cellID)
		}
		return nil, err
	}

	c.IdeaIDs, err = cellIdeaIDs(tx, cellID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCellsByTier 列出某层级的所有小组
func (r *MySQLRepository) ListCellsByTier(deliberationID string, tier int) ([]*model.Cell, error) {
	query := "SELECT " + cellColumns + ` FROM cells
			 WHERE deliberation_id = ? AND tier = ? ORDER BY batch_index`
	rows, err := r.slaveDB.Query(query, deliberationID, tier)
	if err != nil {
		return nil, fmt.Errorf("查询层级小组失败: %w", err)
	}
	defer rows.Close()

	var cells []*model.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描小组失败: %w", err)
		}
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// ListOverdueCells 找出截止时间或定格时间已过、尚未定格的小组。
// 扫描器靠它推进，正确性不依赖它被及时调用。
func (r *MySQLRepository) ListOverdueCells(deliberationID string, now time.Time) ([]*model.Cell, error) {
	query := "SELECT " + cellColumns + ` FROM cells
			 WHERE deliberation_id = ? AND status != ?
			   AND (voting_deadline <= ? OR (finalize_at IS NOT NULL AND finalize_at <= ?))
			 ORDER BY tier, batch_index`
	rows, err := r.slaveDB.Query(query, deliberationID, model.CellCompleted, now, now)
	if err != nil {
		return nil, fmt.Errorf("查询到期小组失败: %w", err)
	}
	defer rows.Close()

	var cells []*model.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描到期小组失败: %w", err)
		}
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// countVoters 事务内统计小组的已投人数与成员总数
func countVoters(tx *sql.Tx, cellID string) (voted int, total int, err error) {
	query := `SELECT
			 COUNT(*),
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
			 FROM participations WHERE cell_id = ?`
	err = tx.QueryRow(query, model.ParticipationVoted, cellID).Scan(&total, &voted)
	if err != nil {
		err = fmt.Errorf("统计小组投票进度失败: %w", err)
	}
	return
}

// createTierCellsTx 事务内为一个层级创建全部小组。
// 参与者远多于议题，所以小组数量跟着参与者分组走，
// 议题批次在小组间轮转复用（batch_index记录小组拿到的是哪个批次）——
// 同层持有同一批议题的小组互为兄弟，同层扩散在它们之间进行。
// 成员唯一约束(deliberation, tier, user)由participations表的唯一键兜底。
func createTierCellsTx(tx *sql.Tx, deliberationID string, tier int,
	ideaBatches [][]string, userGroups [][]string, deadline time.Time) (int, error) {

	if len(ideaBatches) == 0 {
		return 0, model.NewError(model.ErrInvariant, "建组时议题批次为空")
	}

	insertCell, err := tx.Prepare(`INSERT INTO cells
		(id, deliberation_id, tier, batch_index, status, voting_deadline)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("准备创建小组语句失败: %w", err)
	}
	defer insertCell.Close()

	insertCellIdea, err := tx.Prepare("INSERT INTO cell_ideas (cell_id, idea_id) VALUES (?, ?)")
	if err != nil {
		return 0, fmt.Errorf("准备绑定议题语句失败: %w", err)
	}
	defer insertCellIdea.Close()

	insertParticipation, err := tx.Prepare(`INSERT INTO participations
		(id, deliberation_id, cell_id, user_id, tier, status)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("准备创建成员关系语句失败: %w", err)
	}
	defer insertParticipation.Close()

	// 议题进入新层级的重置只做一次
	resetIdea, err := tx.Prepare(`UPDATE ideas
		SET status = ?, tier = ?, vote_weight = 0, is_new = 0 WHERE id = ?`)
	if err != nil {
		return 0, fmt.Errorf("准备重置议题语句失败: %w", err)
	}
	defer resetIdea.Close()
	for _, batch := range ideaBatches {
		for _, ideaID := range batch {
			if _, err := resetIdea.Exec(model.IdeaInVoting, tier, ideaID); err != nil {
				return 0, fmt.Errorf("重置议题 %s 失败: %w", ideaID, err)
			}
		}
	}

	numCells := len(userGroups)
	if numCells == 0 {
		// 没有任何参与者时仍为每个批次建一个空组，
		// 到期后按零票边界情况全体晋级
		numCells = len(ideaBatches)
	}

	for i := 0; i < numCells; i++ {
		batchIndex := i % len(ideaBatches)
		cellID := uuid.NewString()
		if _, err := insertCell.Exec(cellID, deliberationID, tier, batchIndex, model.CellVoting, deadline); err != nil {
			return 0, fmt.Errorf("创建小组失败: %w", err)
		}

		for _, ideaID := range ideaBatches[batchIndex] {
			if _, err := insertCellIdea.Exec(cellID, ideaID); err != nil {
				return 0, fmt.Errorf("绑定议题 %s 失败: %w", ideaID, err)
			}
		}

		if i < len(userGroups) {
			for _, userID := range userGroups[i] {
				if _, err := insertParticipation.Exec(uuid.NewString(), deliberationID, cellID, userID, tier, model.ParticipationActive); err != nil {
					return 0, fmt.Errorf("创建用户 %s 的成员关系失败: %w", userID, err)
				}
			}
		}
	}

	return numCells, nil
}

// FinalizeCell 定格小组：冻结票数、计算胜者、标记完成。
// 可以并发、重复调用；已完成的小组重放会返回与首次完全一致的胜者集合。
// 只有到期（宽限期结束或投票截止）时才真正执行。
func (r *MySQLRepository) FinalizeCell(cellID string, now time.Time) (*model.FinalizedCell, error) {
	var result *model.FinalizedCell

	err := r.withTx("定格小组", func(tx *sql.Tx) error {
		cell, err := getCellForUpdate(tx, cellID)
		if err != nil {
			return err
		}

		// 重放路径：返回冻结的结果
		if cell.Status == model.CellCompleted {
			tallies, winners, err := frozenResult(tx, cell)
			if err != nil {
				return err
			}
			result = &model.FinalizedCell{
				CellID:         cell.ID,
				DeliberationID: cell.DeliberationID,
				Tier:           cell.Tier,
				Tallies:        tallies,
				Winners:        winners,
				Finalized:      false,
			}
			return nil
		}

		// 到期条件：投票截止已过，或宽限期定格时间已到
		due := !now.Before(cell.VotingDeadline)
		if !due && cell.FinalizeAt != nil {
			due = !now.Before(*cell.FinalizeAt)
		}
		if !due {
			result = nil
			return nil
		}

		if len(cell.IdeaIDs) == 0 {
			log.Printf("不变量被破坏: 小组 %s 即将定格但议题集合为空", cell.ID)
			return model.NewError(model.ErrInvariant, "小组 %s 没有议题，拒绝定格", cell.ID)
		}

		tallies, err := tallyVotes(tx, cell)
		if err != nil {
			return err
		}

		winners := engine.Winners(tallies, cell.IdeaIDs)

		// 冻结票数
		insertTally, err := tx.Prepare("INSERT INTO cell_tallies (cell_id, idea_id, tally) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("准备冻结票数语句失败: %w", err)
		}
		defer insertTally.Close()
		for _, ideaID := range cell.IdeaIDs {
			if _, err := insertTally.Exec(cell.ID, ideaID, tallies[ideaID]); err != nil {
				return fmt.Errorf("冻结议题 %s 票数失败: %w", ideaID, err)
			}
		}

		// 标记胜出与淘汰。同一议题可能同时出现在多个兄弟小组里，
		// 任何一个小组里胜出就晋级：淘汰只从IN_VOTING降级，
		// 绝不覆盖别的小组已经给出的ADVANCING
		winnerSet := make(map[string]bool, len(winners))
		for _, id := range winners {
			winnerSet[id] = true
		}
		for _, ideaID := range cell.IdeaIDs {
			if winnerSet[ideaID] {
				if _, err := tx.Exec("UPDATE ideas SET status = ? WHERE id = ?",
					model.IdeaAdvancing, ideaID); err != nil {
					return fmt.Errorf("标记议题 %s 晋级失败: %w", ideaID, err)
				}
			} else {
				if _, err := tx.Exec("UPDATE ideas SET status = ? WHERE id = ? AND status = ?",
					model.IdeaEliminated, ideaID, model.IdeaInVoting); err != nil {
					return fmt.Errorf("标记议题 %s 淘汰失败: %w", ideaID, err)
				}
			}
		}

		// 定格时间若从未写入（截止直达），补写一次
		if _, err := tx.Exec(`UPDATE cells SET status = ?, finalize_at = COALESCE(finalize_at, ?)
			WHERE id = ?`, model.CellCompleted, now, cell.ID); err != nil {
			return fmt.Errorf("标记小组完成失败: %w", err)
		}

		result = &model.FinalizedCell{
			CellID:         cell.ID,
			DeliberationID: cell.DeliberationID,
			Tier:           cell.Tier,
			Tallies:        tallies,
			Winners:        winners,
			Finalized:      true,
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// tallyVotes 事务内按当前选票汇总各议题票数
func tallyVotes(tx *sql.Tx, cell *model.Cell) (map[string]int, error) {
	tallies := make(map[string]int, len(cell.IdeaIDs))
	for _, id := range cell.IdeaIDs {
		tallies[id] = 0
	}

	rows, err := tx.Query("SELECT allocation FROM votes WHERE cell_id = ? FOR UPDATE", cell.ID)
	if err != nil {
		return nil, fmt.Errorf("读取小组选票失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("扫描选票失败: %w", err)
		}
		var allocation map[string]int
		if err := json.Unmarshal(raw, &allocation); err != nil {
			return nil, fmt.Errorf("解析选票权重分配失败: %w", err)
		}
		for ideaID, w := range allocation {
			if _, ok := tallies[ideaID]; !ok {
				log.Printf("不变量被破坏: 小组 %s 的选票指向组外议题 %s", cell.ID, ideaID)
				return nil, model.NewError(model.ErrInvariant, "小组 %s 存在指向组外议题的选票", cell.ID)
			}
			tallies[ideaID] += w
		}
	}
	return tallies, rows.Err()
}

// frozenResult 读取已完成小组的冻结票数与胜者
func frozenResult(tx *sql.Tx, cell *model.Cell) (map[string]int, []string, error) {
	rows, err := tx.Query("SELECT idea_id, tally FROM cell_tallies WHERE cell_id = ?", cell.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("读取冻结票数失败: %w", err)
	}
	defer rows.Close()

	tallies := make(map[string]int)
	for rows.Next() {
		var ideaID string
		var tally int
		if err := rows.Scan(&ideaID, &tally); err != nil {
			return nil, nil, fmt.Errorf("扫描冻结票数失败: %w", err)
		}
		tallies[ideaID] = tally
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return tallies, engine.Winners(tallies, cell.IdeaIDs), nil
}

// GetCellState 读取对外的小组状态。定格前不返回票数，避免影响未投票者。
func (r *MySQLRepository) GetCellState(cellID string) (*model.CellState, error) {
	cell, err := r.GetCell(cellID)
	if err != nil {
		return nil, err
	}

	state := &model.CellState{Cell: cell}

	query := `SELECT
			 COUNT(*),
			 COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
			 FROM participations WHERE cell_id = ?`
	if err := r.slaveDB.QueryRow(query, model.ParticipationVoted, cellID).
		Scan(&state.ParticipantCount, &state.VotedCount); err != nil {
		return nil, fmt.Errorf("统计小组投票进度失败: %w", err)
	}

	if cell.Status != model.CellCompleted {
		return state, nil
	}

	rows, err := r.slaveDB.Query("SELECT idea_id, tally FROM cell_tallies WHERE cell_id = ?", cellID)
	if err != nil {
		return nil, fmt.Errorf("读取冻结票数失败: %w", err)
	}
	defer rows.Close()

	state.Tallies = make(map[string]int)
	for rows.Next() {
		var ideaID string
		var tally int
		if err := rows.Scan(&ideaID, &tally); err != nil {
			return nil, fmt.Errorf("扫描冻结票数失败: %w", err)
		}
		state.Tallies[ideaID] = tally
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	state.AdvancingIdeaIDs = engine.Winners(state.Tallies, cell.IdeaIDs)
	return state, nil
}

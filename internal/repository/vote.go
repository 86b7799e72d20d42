package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/deliberate/internal/engine"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

// CastVote 写入或修改一票，(cellId, userId)最多一行。
// 同一个串行化事务内完成：前置校验、选票upsert、按差值调整议题票数、
// 成员状态翻转、全员已投检查和宽限期定格时间的一次性写入。
func (r *MySQLRepository) CastVote(cellID, userID string, allocation map[string]int,
	gracePeriod time.Duration, now time.Time) (*model.VoteResult, error) {

	var result *model.VoteResult

	err := r.withTx("投票", func(tx *sql.Tx) error {
		cell, err := getCellForUpdate(tx, cellID)
		if err != nil {
			return err
		}

		if cell.Status == model.CellCompleted {
			return model.NewError(model.ErrCellNotVoting, "小组 %s 已定格，不再接受投票", cellID)
		}
		// 截止已过或宽限期已结束的投票一律拒绝；
		// 调用方据此同步触发定格后把DEADLINE_PASSED返回给用户
		if !now.Before(cell.VotingDeadline) {
			return model.NewError(model.ErrDeadlinePassed, "小组 %s 的投票截止时间已过", cellID)
		}
		if cell.FinalizeAt != nil && !now.Before(*cell.FinalizeAt) {
			return model.NewError(model.ErrDeadlinePassed, "小组 %s 的宽限期已结束", cellID)
		}

		// 成员校验
		var participationStatus model.ParticipationStatus
		err = tx.QueryRow(`SELECT status FROM participations
			WHERE cell_id = ? AND user_id = ? FOR UPDATE`, cellID, userID).
			Scan(&participationStatus)
		if err != nil {
			if err == sql.ErrNoRows {
				return model.NewError(model.ErrNotParticipant, "用户 %s 不是小组 %s 的成员", userID, cellID)
			}
			return fmt.Errorf("查询成员关系失败: %w", err)
		}

		// 只能投给组内议题；预算总额校验由服务层在入口完成
		inCell := make(map[string]bool, len(cell.IdeaIDs))
		for _, id := range cell.IdeaIDs {
			inCell[id] = true
		}
		for ideaID, w := range allocation {
			if !inCell[ideaID] {
				return model.NewError(model.ErrIdeaNotInCell, "议题 %s 不在小组 %s 的议题集合内", ideaID, cellID)
			}
			if w < 0 {
				return model.NewError(model.ErrBadWeightAllocation, "议题 %s 的权重不能为负", ideaID)
			}
		}

		// 读取旧选票，计算各议题票数差值
		var oldAllocation map[string]int
		var oldRaw []byte
		err = tx.QueryRow(`SELECT allocation FROM votes
			WHERE cell_id = ? AND user_id = ? FOR UPDATE`, cellID, userID).Scan(&oldRaw)
		switch {
		case err == sql.ErrNoRows:
			// 首次投票
		case err != nil:
			return fmt.Errorf("查询已有选票失败: %w", err)
		default:
			if err := json.Unmarshal(oldRaw, &oldAllocation); err != nil {
				return fmt.Errorf("解析已有选票失败: %w", err)
			}
		}

		deltas := make(map[string]int)
		for ideaID, w := range allocation {
			deltas[ideaID] += w
		}
		for ideaID, w := range oldAllocation {
			deltas[ideaID] -= w
		}
		for ideaID, delta := range deltas {
			if delta == 0 {
				continue
			}
			if _, err := tx.Exec("UPDATE ideas SET vote_weight = vote_weight + ? WHERE id = ?", delta, ideaID); err != nil {
				return fmt.Errorf("调整议题 %s 票数失败: %w", ideaID, err)
			}
		}

		// 选票upsert：修改投票是更新而不是新增
		newRaw, err := json.Marshal(allocation)
		if err != nil {
			return fmt.Errorf("序列化权重分配失败: %w", err)
		}
		primaryIdea := primaryIdeaID(allocation)
		if _, err := tx.Exec(`INSERT INTO votes (cell_id, user_id, idea_id, allocation, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
			idea_id = VALUES(idea_id),
			allocation = VALUES(allocation),
			updated_at = VALUES(updated_at)`,
			cellID, userID, primaryIdea, newRaw, now); err != nil {
			return fmt.Errorf("写入选票失败: %w", err)
		}

		if _, err := tx.Exec(`UPDATE participations SET status = ?, voted_at = ?
			WHERE cell_id = ? AND user_id = ?`, model.ParticipationVoted, now, cellID, userID); err != nil {
			return fmt.Errorf("更新成员状态失败: %w", err)
		}

		voted, total, err := countVoters(tx, cellID)
		if err != nil {
			return err
		}

		result = &model.VoteResult{
			Vote: &model.Vote{
				CellID:     cellID,
				UserID:     userID,
				IdeaID:     primaryIdea,
				Allocation: allocation,
				UpdatedAt:  now,
			},
			AllVoted: engine.CellComplete(voted, total),
		}

		// 首次达到全员已投时开启宽限期。
		// 只允许写入一次（只在仍为空时写），并发写入因此是良性竞争
		if result.AllVoted && cell.FinalizeAt == nil {
			finalizeAt := now.Add(gracePeriod)
			res, err := tx.Exec(`UPDATE cells SET finalize_at = ?, status = ?
				WHERE id = ? AND finalize_at IS NULL`, finalizeAt, model.CellDeliberating, cellID)
			if err != nil {
				return fmt.Errorf("写入定格时间失败: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.FinalizeAt = &finalizeAt
			}
		} else if cell.FinalizeAt != nil {
			result.FinalizeAt = cell.FinalizeAt
		}

		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// primaryIdeaID 取分配权重最高的议题作为主选议题，相同权重取字典序最小
func primaryIdeaID(allocation map[string]int) string {
	best := ""
	bestWeight := -1
	for ideaID, w := range allocation {
		if w > bestWeight || (w == bestWeight && (best == "" || ideaID < best)) {
			best = ideaID
			bestWeight = w
		}
	}
	return best
}

// GetVote 查询用户当前的一票
func (r *MySQLRepository) GetVote(cellID, userID string) (*model.Vote, error) {
	var v model.Vote
	var raw []byte
	err := r.slaveDB.QueryRow(`SELECT cell_id, user_id, idea_id, allocation, updated_at
		FROM votes WHERE cell_id = ? AND user_id = ?`, cellID, userID).
		Scan(&v.CellID, &v.UserID, &v.IdeaID, &raw, &v.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.ErrNotFound, "用户 %s 在小组 %s 尚未投票", userID, cellID)
		}
		return nil, fmt.Errorf("查询选票失败: %w", err)
	}
	if err := json.Unmarshal(raw, &v.Allocation); err != nil {
		return nil, fmt.Errorf("解析选票失败: %w", err)
	}
	return &v, nil
}

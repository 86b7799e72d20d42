package repository

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lvdashuaibi/deliberate/internal/engine"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

// TryAdvanceTier 尝试推进层级。整个读取-判定-建组过程是一个串行化事务，
// 可以被并发、重复调用：层级已推进时第二个调用者只会观察到"已推进"并且不做任何写入。
func (r *MySQLRepository) TryAdvanceTier(deliberationID string, tier int,
	groupSize int, tierDeadline time.Duration, accumulationWindow time.Duration,
	now time.Time) (*model.AdvanceOutcome, error) {

	outcome := &model.AdvanceOutcome{}

	err := r.withTx("推进层级", func(tx *sql.Tx) error {
		d, err := getDeliberationForUpdate(tx, deliberationID)
		if err != nil {
			return err
		}

		// 幂等保护：层级计数已越过目标层或阶段已离开投票，说明别人推进过了
		if d.Phase != model.PhaseVoting || d.CurrentTier != tier {
			return nil
		}

		cells, err := tierCellsForUpdate(tx, deliberationID, tier)
		if err != nil {
			return err
		}
		if len(cells) == 0 {
			log.Printf("不变量被破坏: 审议 %s 处于投票阶段但第 %d 层没有任何小组", deliberationID, tier)
			return model.NewError(model.ErrInvariant, "审议 %s 第 %d 层没有小组", deliberationID, tier)
		}
		for _, c := range cells {
			if c.Status != model.CellCompleted {
				// 还有小组未定格，等下一次触发，不是错误
				return nil
			}
		}

		survivors, err := tierIdeasForUpdate(tx, deliberationID, tier, model.IdeaAdvancing)
		if err != nil {
			return err
		}
		// 防御性兜底：逐组定格已保证零票小组全体晋级，
		// 这里整层无晋级者只在数据被破坏时出现，按定义让全层原样晋级
		if len(survivors) == 0 {
			survivors, err = tierIdeasForUpdate(tx, deliberationID, tier,
				model.IdeaInVoting, model.IdeaEliminated)
			if err != nil {
				return err
			}
			if len(survivors) == 0 {
				log.Printf("不变量被破坏: 审议 %s 第 %d 层完成后没有任何议题", deliberationID, tier)
				return model.NewError(model.ErrInvariant, "审议 %s 第 %d 层没有议题", deliberationID, tier)
			}
		}

		if len(survivors) == 1 {
			return declareChampion(tx, d, survivors[0], accumulationWindow, now, outcome)
		}

		// 多个幸存者：合并等在下一层的种子议题（守擂冠军），重新分组
		nextTier := tier + 1
		waiting, err := tierIdeasForUpdate(tx, deliberationID, nextTier, model.IdeaInVoting)
		if err != nil {
			return err
		}

		var ideaIDs []string
		for _, idea := range survivors {
			ideaIDs = append(ideaIDs, idea.ID)
		}
		for _, idea := range waiting {
			ideaIDs = append(ideaIDs, idea.ID)
		}

		userIDs, err := tierParticipantIDs(tx, deliberationID, tier)
		if err != nil {
			return err
		}

		ideaBatches := engine.PartitionIdeas(ideaIDs, groupSize, engine.PartitionSeed(deliberationID, nextTier))
		userGroups := engine.PartitionParticipants(userIDs,
			engine.NumGroups(len(userIDs), groupSize), engine.PartitionSeed(deliberationID+"/participants", nextTier))

		created, err := createTierCellsTx(tx, deliberationID, nextTier, ideaBatches, userGroups, now.Add(tierDeadline))
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE deliberations SET current_tier = ?, updated_at = ?
			WHERE id = ?`, nextTier, now, deliberationID); err != nil {
			return fmt.Errorf("推进层级计数失败: %w", err)
		}

		outcome.Advanced = true
		outcome.NextTier = nextTier
		outcome.NewCellCount = created
		return nil
	})

	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// declareChampion 唯一幸存者成为冠军。滚动挑战模式回到积累阶段继续守擂，
// 否则审议终结。挑战轮的结果解读也在这里：胜者就是新冠军（可能没换人）。
func declareChampion(tx *sql.Tx, d *model.Deliberation, winner *model.Idea,
	accumulationWindow time.Duration, now time.Time, outcome *model.AdvanceOutcome) error {

	// 卫冕统计：挑战轮里原冠军保住则守擂轮数加一，换人则从零开始
	defendedRounds := 0
	if winner.ID == d.ChampionIdeaID {
		defendedRounds = winner.DefendedRounds + 1
	}

	// 原冠军被掀翻时落位为淘汰
	if d.ChampionIdeaID != "" && d.ChampionIdeaID != winner.ID {
		if _, err := tx.Exec(`UPDATE ideas SET status = ?, is_champion = 0
			WHERE id = ?`, model.IdeaEliminated, d.ChampionIdeaID); err != nil {
			return fmt.Errorf("更新原冠军状态失败: %w", err)
		}
	}

	winnerStatus := model.IdeaWinner
	phase := model.PhaseCompleted
	var accDeadline interface{}
	if d.RollingMode {
		winnerStatus = model.IdeaDefending
		phase = model.PhaseAccumulating
		accDeadline = now.Add(accumulationWindow)
	}

	if _, err := tx.Exec(`UPDATE ideas SET status = ?, is_champion = 1, defended_rounds = ?
		WHERE id = ?`, winnerStatus, defendedRounds, winner.ID); err != nil {
		return fmt.Errorf("更新冠军议题失败: %w", err)
	}

	if _, err := tx.Exec(`UPDATE deliberations
		SET phase = ?, champion_idea_id = ?, accumulation_deadline = ?, updated_at = ?
		WHERE id = ?`, phase, winner.ID, accDeadline, now, d.ID); err != nil {
		return fmt.Errorf("更新审议冠军失败: %w", err)
	}

	outcome.Advanced = true
	outcome.ChampionDeclared = true
	outcome.ChampionIdeaID = winner.ID
	return nil
}

// tierCellsForUpdate 事务内锁定一个层级的全部小组行
func tierCellsForUpdate(tx *sql.Tx, deliberationID string, tier int) ([]*model.Cell, error) {
	query := "SELECT " + cellColumns + ` FROM cells
			 WHERE deliberation_id = ? AND tier = ? ORDER BY batch_index FOR UPDATE`
	rows, err := tx.Query(query, deliberationID, tier)
	if err != nil {
		return nil, fmt.Errorf("锁定层级小组失败: %w", err)
	}
	defer rows.Close()

	var cells []*model.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描层级小组失败: %w", err)
		}
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// tierIdeasForUpdate 事务内锁定层级内指定状态的议题
func tierIdeasForUpdate(tx *sql.Tx, deliberationID string, tier int, statuses ...model.IdeaStatus) ([]*model.Idea, error) {
	query := "SELECT " + ideaColumns + " FROM ideas WHERE deliberation_id = ? AND tier = ? AND status IN ("
	args := []interface{}{deliberationID, tier}
	for i, s := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, s)
	}
	query += ") ORDER BY created_at FOR UPDATE"

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("锁定层级议题失败: %w", err)
	}
	defer rows.Close()

	var ideas []*model.Idea
	for rows.Next() {
		idea, err := scanIdea(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描层级议题失败: %w", err)
		}
		ideas = append(ideas, idea)
	}
	return ideas, rows.Err()
}

// tierParticipantIDs 收集某层级的全部参与者，用于下一层的重新分组
func tierParticipantIDs(tx *sql.Tx, deliberationID string, tier int) ([]string, error) {
	rows, err := tx.Query(`SELECT DISTINCT user_id FROM participations
		WHERE deliberation_id = ? AND tier = ?`, deliberationID, tier)
	if err != nil {
		return nil, fmt.Errorf("查询层级参与者失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("扫描参与者失败: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StartVoting 把处于征集阶段的审议切入投票阶段，用提交的议题组成第一层小组。
// 分组使用以(审议, 层级)为种子的确定性乱序，测试可以重放同一次分组。
func (r *MySQLRepository) StartVoting(deliberationID string, groupSize int,
	tierDeadline time.Duration, now time.Time) (*model.AdvanceOutcome, error) {

	outcome := &model.AdvanceOutcome{}

	err := r.withTx("开启投票", func(tx *sql.Tx) error {
		d, err := getDeliberationForUpdate(tx, deliberationID)
		if err != nil {
			return err
		}
		if d.Phase != model.PhaseSubmitting {
			return model.NewError(model.ErrWrongPhase, "审议 %s 处于 %s 阶段，无法开启投票", deliberationID, d.Phase)
		}

		ideas, err := tierIdeasForUpdate(tx, deliberationID, 0, model.IdeaSubmitted, model.IdeaPending)
		if err != nil {
			return err
		}
		if len(ideas) < 2 {
			return model.NewError(model.ErrWrongPhase, "审议 %s 的议题不足两个，无法开启投票", deliberationID)
		}

		var ideaIDs []string
		for _, idea := range ideas {
			ideaIDs = append(ideaIDs, idea.ID)
		}

		userIDs, err := submittedAuthorIDs(tx, deliberationID)
		if err != nil {
			return err
		}

		ideaBatches := engine.PartitionIdeas(ideaIDs, groupSize, engine.PartitionSeed(deliberationID, 1))
		userGroups := engine.PartitionParticipants(userIDs,
			engine.NumGroups(len(userIDs), groupSize), engine.PartitionSeed(deliberationID+"/participants", 1))

		created, err := createTierCellsTx(tx, deliberationID, 1, ideaBatches, userGroups, now.Add(tierDeadline))
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE deliberations SET phase = ?, current_tier = 1, updated_at = ?
			WHERE id = ?`, model.PhaseVoting, now, deliberationID); err != nil {
			return fmt.Errorf("切换审议阶段失败: %w", err)
		}

		outcome.Advanced = true
		outcome.NextTier = 1
		outcome.NewCellCount = created
		return nil
	})

	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// submittedAuthorIDs 征集阶段的参与者就是议题作者全集
func submittedAuthorIDs(tx *sql.Tx, deliberationID string) ([]string, error) {
	rows, err := tx.Query(`SELECT DISTINCT author_id FROM ideas
		WHERE deliberation_id = ?`, deliberationID)
	if err != nil {
		return nil, fmt.Errorf("查询议题作者失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("扫描议题作者失败: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

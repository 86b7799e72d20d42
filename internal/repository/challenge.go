package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lvdashuaibi/deliberate/internal/engine"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

// ChallengeParams 开启挑战轮的容量与节奏参数
type ChallengeParams struct {
	GroupSize          int
	TierDeadline       time.Duration
	AccumulationWindow time.Duration
	MinChallengers     int
	ChallengerCellCap  int
	MaxBenchedRounds   int
}

// StartChallengeRound 开启一轮挑战。排他性由审议行锁加阶段条件写保证：
// 并发的第二个调用者在行锁上等待，提交后观察到阶段已是VOTING，得到
// ROUND_ALREADY_STARTED而不会创建重复的轮次。
func (r *MySQLRepository) StartChallengeRound(deliberationID string, p ChallengeParams,
	now time.Time) (*model.ChallengeRoundResult, error) {

	var result *model.ChallengeRoundResult

	err := r.withTx("开启挑战轮", func(tx *sql.Tx) error {
		d, err := getDeliberationForUpdate(tx, deliberationID)
		if err != nil {
			return err
		}

		if d.Phase == model.PhaseVoting && d.ChallengeRound > 0 {
			return model.NewError(model.ErrRoundAlreadyStarted, "审议 %s 的第 %d 轮挑战正在进行", deliberationID, d.ChallengeRound)
		}
		if d.Phase != model.PhaseAccumulating {
			return model.NewError(model.ErrWrongPhase, "审议 %s 处于 %s 阶段，无法开启挑战轮", deliberationID, d.Phase)
		}
		if d.ChampionIdeaID == "" {
			return model.NewError(model.ErrInvariant, "审议 %s 处于积累阶段却没有在位冠军", deliberationID)
		}

		champion, err := ideaForUpdate(tx, d.ChampionIdeaID)
		if err != nil {
			return err
		}

		// 积累窗口内新提交的议题就是挑战者，按提交先后排序
		challengers, err := newChallengersForUpdate(tx, deliberationID)
		if err != nil {
			return err
		}

		// 挑战者不足：延长积累窗口而不是开一轮空转的比赛
		if len(challengers) < p.MinChallengers {
			extended := now.Add(p.AccumulationWindow)
			if _, err := tx.Exec(`UPDATE deliberations SET accumulation_deadline = ?, updated_at = ?
				WHERE id = ?`, extended, now, deliberationID); err != nil {
				return fmt.Errorf("延长积累窗口失败: %w", err)
			}
			result = &model.ChallengeRoundResult{
				Extended: true,
				ExtendReason: fmt.Sprintf("挑战者数量 %d 不足最低要求 %d，积累窗口延长至 %s",
					len(challengers), p.MinChallengers, extended.Format(time.RFC3339)),
			}
			return nil
		}

		// 容量规则：超出容量的挑战者按提交时间靠后者搁置，
		// 被搁置太多轮的退役
		capacity := p.GroupSize * p.ChallengerCellCap
		kept := challengers
		var benched, retired []string
		if len(challengers) > capacity {
			kept = challengers[:capacity]
			for _, idea := range challengers[capacity:] {
				if idea.BenchedRounds+1 > p.MaxBenchedRounds {
					retired = append(retired, idea.ID)
					if _, err := tx.Exec(`UPDATE ideas SET status = ?, is_new = 0, benched_rounds = benched_rounds + 1
						WHERE id = ?`, model.IdeaEliminated, idea.ID); err != nil {
						return fmt.Errorf("退役议题 %s 失败: %w", idea.ID, err)
					}
				} else {
					benched = append(benched, idea.ID)
					if _, err := tx.Exec(`UPDATE ideas SET benched_rounds = benched_rounds + 1
						WHERE id = ?`, idea.ID); err != nil {
						return fmt.Errorf("搁置议题 %s 失败: %w", idea.ID, err)
					}
				}
			}
		}

		// 冠军按守擂历史获得种子层级，不必从第一层重新打起
		maxSeed := engine.TiersNeeded(len(kept), p.GroupSize)
		startTier := engine.SeedStartTier(champion.DefendedRounds, maxSeed)

		var ideaIDs []string
		for _, idea := range kept {
			ideaIDs = append(ideaIDs, idea.ID)
		}
		// 种子层为第一层时冠军直接参与首轮分组，
		// 否则以IN_VOTING状态等在种子层，幸存者打到那一层时并入分组
		if startTier == 1 {
			ideaIDs = append(ideaIDs, champion.ID)
		} else {
			if _, err := tx.Exec(`UPDATE ideas SET status = ?, tier = ?, vote_weight = 0
				WHERE id = ?`, model.IdeaInVoting, startTier, champion.ID); err != nil {
				return fmt.Errorf("安置种子冠军失败: %w", err)
			}
		}

		userIDs, err := deliberationParticipantIDs(tx, deliberationID)
		if err != nil {
			return err
		}

		round := d.ChallengeRound + 1
		seedKey := fmt.Sprintf("%s/round-%d", deliberationID, round)
		ideaBatches := engine.PartitionIdeas(ideaIDs, p.GroupSize, engine.PartitionSeed(seedKey, 1))
		userGroups := engine.PartitionParticipants(userIDs,
			engine.NumGroups(len(userIDs), p.GroupSize), engine.PartitionSeed(seedKey+"/participants", 1))

		if _, err := createTierCellsTx(tx, deliberationID, 1, ideaBatches, userGroups, now.Add(p.TierDeadline)); err != nil {
			return err
		}

		// 原子认领：只有仍处于积累阶段的那一次更新会生效
		res, err := tx.Exec(`UPDATE deliberations
			SET phase = ?, challenge_round = ?, current_tier = 1,
			    accumulation_deadline = NULL, updated_at = ?
			WHERE id = ? AND phase = ?`,
			model.PhaseVoting, round, now, deliberationID, model.PhaseAccumulating)
		if err != nil {
			return fmt.Errorf("认领挑战轮失败: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NewError(model.ErrRoundAlreadyStarted, "审议 %s 的挑战轮已被其他调用开启", deliberationID)
		}

		challengerIDs := make([]string, 0, len(kept))
		for _, idea := range kept {
			challengerIDs = append(challengerIDs, idea.ID)
		}
		result = &model.ChallengeRoundResult{
			ChallengeRound: round,
			StartTier:      startTier,
			Challengers:    challengerIDs,
			Retired:        retired,
			Benched:        benched,
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// ideaForUpdate 事务内锁定单个议题
func ideaForUpdate(tx *sql.Tx, ideaID string) (*model.Idea, error) {
	query := "SELECT " + ideaColumns + " FROM ideas WHERE id = ? FOR UPDATE"
	idea, err := scanIdea(tx.QueryRow(query, ideaID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NewError(model.ErrNotFound, "议题 %s 不存在", ideaID)
		}
		return nil, err
	}
	return idea, nil
}

// newChallengersForUpdate 事务内锁定积累窗口里的新议题
func newChallengersForUpdate(tx *sql.Tx, deliberationID string) ([]*model.Idea, error) {
	query := "SELECT " + ideaColumns + ` FROM ideas
			 WHERE deliberation_id = ? AND is_new = 1 AND status IN (?, ?)
			 ORDER BY created_at FOR UPDATE`
	rows, err := tx.Query(query, deliberationID, model.IdeaPending, model.IdeaSubmitted)
	if err != nil {
		return nil, fmt.Errorf("查询挑战者失败: %w", err)
	}
	defer rows.Close()

	var ideas []*model.Idea
	for rows.Next() {
		idea, err := scanIdea(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描挑战者失败: %w", err)
		}
		ideas = append(ideas, idea)
	}
	return ideas, rows.Err()
}

// deliberationParticipantIDs 历史上参与过该审议的全部用户
func deliberationParticipantIDs(tx *sql.Tx, deliberationID string) ([]string, error) {
	rows, err := tx.Query(`SELECT DISTINCT user_id FROM participations
		WHERE deliberation_id = ?`, deliberationID)
	if err != nil {
		return nil, fmt.Errorf("查询审议参与者失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("扫描审议参与者失败: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

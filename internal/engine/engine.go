// Package engine 汇集淘汰赛的纯计算逻辑：胜者判定、分组、
// 确定性扩散哈希。不做任何I/O，保证可以在事务内外复用并可重放。
package engine

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
)

// Winners 按最高票全体并列晋级的策略挑选胜者。
// 无人投票时所有议题原样晋级（这是定义好的边界情况，不是错误）。
func Winners(tallies map[string]int, assignedIdeaIDs []string) []string {
	total := 0
	for _, t := range tallies {
		total += t
	}
	if total == 0 {
		winners := make([]string, len(assignedIdeaIDs))
		copy(winners, assignedIdeaIDs)
		sort.Strings(winners)
		return winners
	}

	max := 0
	for _, id := range assignedIdeaIDs {
		if tallies[id] > max {
			max = tallies[id]
		}
	}

	var winners []string
	for _, id := range assignedIdeaIDs {
		if tallies[id] == max {
			winners = append(winners, id)
		}
	}
	sort.Strings(winners)
	return winners
}

// PartitionSeed 由审议ID与层级推导分组随机种子，保证同一次分组可重放
func PartitionSeed(deliberationID string, tier int) int64 {
	h := fnv.New64a()
	h.Write([]byte(fmt.Sprintf("%s:%d", deliberationID, tier)))
	return int64(h.Sum64())
}

// PartitionIdeas 将议题乱序后按固定小组规模切分，
// 余数组成一个更小的末尾小组而不是被丢弃
func PartitionIdeas(ideaIDs []string, groupSize int, seed int64) [][]string {
	if len(ideaIDs) == 0 || groupSize <= 0 {
		return nil
	}

	shuffled := make([]string, len(ideaIDs))
	copy(shuffled, ideaIDs)
	sort.Strings(shuffled)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var groups [][]string
	for start := 0; start < len(shuffled); start += groupSize {
		end := start + groupSize
		if end > len(shuffled) {
			end = len(shuffled)
		}
		groups = append(groups, shuffled[start:end])
	}
	return groups
}

// NumGroups 按固定小组规模计算需要的小组数量，向上取整
func NumGroups(count, groupSize int) int {
	if count <= 0 || groupSize <= 0 {
		return 0
	}
	return (count + groupSize - 1) / groupSize
}

// PartitionParticipants 将参与者乱序后轮转分配到numCells个小组
func PartitionParticipants(userIDs []string, numCells int, seed int64) [][]string {
	if numCells <= 0 {
		return nil
	}

	shuffled := make([]string, len(userIDs))
	copy(shuffled, userIDs)
	sort.Strings(shuffled)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	groups := make([][]string, numCells)
	for i, id := range shuffled {
		groups[i%numCells] = append(groups[i%numCells], id)
	}
	return groups
}

// spreadRank 对(评论, 目标小组)求确定性哈希，FNV-1a，
// 不依赖语言默认哈希，跨实现稳定
func spreadRank(commentID, cellID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(commentID))
	h.Write([]byte(":"))
	h.Write([]byte(cellID))
	return h.Sum32()
}

// SpreadTargets 在共享同一议题的同层兄弟小组中，确定性地选出
// spreadCount个扩散目标。对同一评论每次计算结果都相同（不会闪烁）。
// spreadCount为0表示只在原小组可见；不小于兄弟数则全部可见。
func SpreadTargets(commentID string, siblingCellIDs []string, spreadCount int) map[string]bool {
	targets := make(map[string]bool)
	if spreadCount <= 0 || len(siblingCellIDs) == 0 {
		return targets
	}
	if spreadCount >= len(siblingCellIDs) {
		for _, id := range siblingCellIDs {
			targets[id] = true
		}
		return targets
	}

	ranked := make([]string, len(siblingCellIDs))
	copy(ranked, siblingCellIDs)
	sort.Slice(ranked, func(i, j int) bool {
		ri, rj := spreadRank(commentID, ranked[i]), spreadRank(commentID, ranked[j])
		if ri != rj {
			return ri < rj
		}
		return ranked[i] < ranked[j]
	})

	for _, id := range ranked[:spreadCount] {
		targets[id] = true
	}
	return targets
}

// SpreadVisible 判断评论是否扩散到目标小组
func SpreadVisible(commentID, targetCellID string, siblingCellIDs []string, spreadCount int) bool {
	return SpreadTargets(commentID, siblingCellIDs, spreadCount)[targetCellID]
}

// DeriveSpreadCount 由点赞数推导同层扩散名额
func DeriveSpreadCount(upvotes, spreadStep int) int {
	if spreadStep <= 0 || upvotes <= 0 {
		return 0
	}
	return upvotes / spreadStep
}

// DeriveReachTier 由点赞数推导跨层可见层级：每promoteStep个赞提升一层
func DeriveReachTier(originTier, upvotes, promoteStep int) int {
	if promoteStep <= 0 || upvotes <= 0 {
		return originTier
	}
	return originTier + upvotes/promoteStep
}

// TiersNeeded 估算n个议题按固定小组规模打到只剩一个需要的层数。
// 按每组恰好一个胜者估计，并列晋级只会让实际层数更多，不会更少。
func TiersNeeded(ideaCount, groupSize int) int {
	if ideaCount <= 1 || groupSize <= 1 {
		return 1
	}
	tiers := 0
	for ideaCount > 1 {
		ideaCount = (ideaCount + groupSize - 1) / groupSize
		tiers++
	}
	return tiers
}

// SeedStartTier 冠军按守擂历史获得起始层级，不必从第一层重新打起，
// 但至少保留两层可打，避免直接空降决赛
func SeedStartTier(defendedRounds, maxSeedTier int) int {
	tier := 1 + defendedRounds
	if maxSeedTier > 0 && tier > maxSeedTier {
		tier = maxSeedTier
	}
	if tier < 1 {
		tier = 1
	}
	return tier
}

// ValidateAllocation 校验加权投票的权重分配：
// 必须一次分配完全部预算，且只能投给小组内的议题
func ValidateAllocation(allocation map[string]int, budget int, cellIdeaIDs []string) error {
	inCell := make(map[string]bool, len(cellIdeaIDs))
	for _, id := range cellIdeaIDs {
		inCell[id] = true
	}

	total := 0
	for ideaID, w := range allocation {
		if !inCell[ideaID] {
			return fmt.Errorf("议题 %s 不在该小组的议题集合内", ideaID)
		}
		if w < 0 {
			return fmt.Errorf("议题 %s 的权重不能为负", ideaID)
		}
		total += w
	}
	if total != budget {
		return fmt.Errorf("权重分配总和 %d 与预算 %d 不一致", total, budget)
	}
	return nil
}

// CellComplete 判断小组是否达到全员已投
func CellComplete(votedCount, activeCount int) bool {
	return activeCount > 0 && votedCount >= activeCount
}

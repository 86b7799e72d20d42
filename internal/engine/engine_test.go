package engine

import (
	"fmt"
	"reflect"
	"sort"
	"testing"
)

func TestWinnersSingleLeader(t *testing.T) {
	ideas := []string{"a", "b", "c", "d", "e"}
	tallies := map[string]int{"a": 3, "b": 1, "c": 1}

	winners := Winners(tallies, ideas)
	if !reflect.DeepEqual(winners, []string{"a"}) {
		t.Fatalf("期望只有a晋级，实际: %v", winners)
	}
}

func TestWinnersTiedLeadersAllAdvance(t *testing.T) {
	ideas := []string{"a", "b", "c"}
	tallies := map[string]int{"a": 2, "b": 2, "c": 1}

	winners := Winners(tallies, ideas)
	if !reflect.DeepEqual(winners, []string{"a", "b"}) {
		t.Fatalf("并列最高票应全部晋级，实际: %v", winners)
	}
}

func TestWinnersZeroVotesAllAdvance(t *testing.T) {
	ideas := []string{"c", "a", "b"}

	winners := Winners(map[string]int{}, ideas)
	if !reflect.DeepEqual(winners, []string{"a", "b", "c"}) {
		t.Fatalf("无人投票时所有议题应原样晋级，实际: %v", winners)
	}
}

func TestWinnersReplayIdentical(t *testing.T) {
	ideas := []string{"x", "y", "z"}
	tallies := map[string]int{"x": 4, "y": 4, "z": 2}

	first := Winners(tallies, ideas)
	second := Winners(tallies, ideas)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("重复定格结果应一致: %v vs %v", first, second)
	}
}

func TestPartitionIdeasRemainderKept(t *testing.T) {
	ideas := []string{"i1", "i2", "i3", "i4", "i5", "i6", "i7"}

	groups := PartitionIdeas(ideas, 5, 42)
	if len(groups) != 2 {
		t.Fatalf("7个议题按5分组应得到2个小组，实际: %d", len(groups))
	}
	if len(groups[0]) != 5 || len(groups[1]) != 2 {
		t.Fatalf("期望5+2分组，实际: %d+%d", len(groups[0]), len(groups[1]))
	}

	var all []string
	for _, g := range groups {
		all = append(all, g...)
	}
	sort.Strings(all)
	if !reflect.DeepEqual(all, ideas) {
		t.Fatalf("分组不能丢失或重复议题，实际: %v", all)
	}
}

func TestPartitionIdeasDeterministicBySeed(t *testing.T) {
	ideas := []string{"i1", "i2", "i3", "i4", "i5", "i6", "i7", "i8"}

	first := PartitionIdeas(ideas, 3, 7)
	second := PartitionIdeas(ideas, 3, 7)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("相同种子的分组应可重放: %v vs %v", first, second)
	}
}

func TestPartitionSeedStable(t *testing.T) {
	if PartitionSeed("d1", 2) != PartitionSeed("d1", 2) {
		t.Fatal("相同输入的分组种子应稳定")
	}
	if PartitionSeed("d1", 2) == PartitionSeed("d1", 3) {
		t.Fatal("不同层级的分组种子不应相同")
	}
}

func TestPartitionParticipantsCoversEveryone(t *testing.T) {
	var users []string
	for i := 0; i < 23; i++ {
		users = append(users, fmt.Sprintf("u%02d", i))
	}

	groups := PartitionParticipants(users, 4, 99)
	if len(groups) != 4 {
		t.Fatalf("期望4个小组，实际: %d", len(groups))
	}

	var all []string
	for _, g := range groups {
		all = append(all, g...)
	}
	if len(all) != len(users) {
		t.Fatalf("参与者分配前后数量不一致: %d vs %d", len(all), len(users))
	}
	sort.Strings(all)
	sort.Strings(users)
	if !reflect.DeepEqual(all, users) {
		t.Fatal("参与者分配不能丢失或重复")
	}
}

func TestSpreadTargetsExactCount(t *testing.T) {
	siblings := []string{"c1", "c2", "c3", "c4", "c5"}

	targets := SpreadTargets("comment-1", siblings, 2)
	if len(targets) != 2 {
		t.Fatalf("spreadCount=2且5个兄弟小组时应恰好扩散到2个，实际: %d", len(targets))
	}

	// 同一评论每次查询应得到同一批目标小组
	again := SpreadTargets("comment-1", siblings, 2)
	if !reflect.DeepEqual(targets, again) {
		t.Fatalf("扩散目标应稳定: %v vs %v", targets, again)
	}
}

func TestSpreadTargetsBounds(t *testing.T) {
	siblings := []string{"c1", "c2", "c3"}

	if len(SpreadTargets("comment-1", siblings, 0)) != 0 {
		t.Fatal("spreadCount=0时不应扩散到任何小组")
	}

	full := SpreadTargets("comment-1", siblings, 3)
	if len(full) != 3 {
		t.Fatalf("spreadCount不小于兄弟数时应全部可见，实际: %d", len(full))
	}
	over := SpreadTargets("comment-1", siblings, 10)
	if len(over) != 3 {
		t.Fatalf("spreadCount超过兄弟数时应全部可见，实际: %d", len(over))
	}
}

func TestSpreadVisibleConsistentWithTargets(t *testing.T) {
	siblings := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	targets := SpreadTargets("comment-9", siblings, 3)

	for _, cell := range siblings {
		if SpreadVisible("comment-9", cell, siblings, 3) != targets[cell] {
			t.Fatalf("SpreadVisible与SpreadTargets对小组 %s 的判定不一致", cell)
		}
	}
}

func TestDeriveSpreadAndReach(t *testing.T) {
	if got := DeriveSpreadCount(7, 3); got != 2 {
		t.Fatalf("7个赞、步长3应得2个扩散名额，实际: %d", got)
	}
	if got := DeriveSpreadCount(0, 3); got != 0 {
		t.Fatalf("无赞时扩散名额应为0，实际: %d", got)
	}
	if got := DeriveReachTier(2, 11, 5); got != 4 {
		t.Fatalf("起始层2、11个赞、每5赞升一层应达到4，实际: %d", got)
	}
	if got := DeriveReachTier(3, 0, 5); got != 3 {
		t.Fatalf("无赞时可见层级应保持原层，实际: %d", got)
	}
}

func TestTiersNeeded(t *testing.T) {
	cases := []struct {
		ideas, group, want int
	}{
		{5, 5, 1},
		{7, 5, 2},
		{25, 5, 2},
		{26, 5, 3},
		{1, 5, 1},
	}
	for _, c := range cases {
		if got := TiersNeeded(c.ideas, c.group); got != c.want {
			t.Errorf("TiersNeeded(%d, %d) = %d，期望 %d", c.ideas, c.group, got, c.want)
		}
	}
}

func TestSeedStartTier(t *testing.T) {
	cases := []struct {
		defended, cap, want int
	}{
		{0, 5, 1},
		{2, 5, 3},
		{9, 5, 5},
		{3, 0, 4},
	}
	for _, c := range cases {
		if got := SeedStartTier(c.defended, c.cap); got != c.want {
			t.Errorf("SeedStartTier(%d, %d) = %d，期望 %d", c.defended, c.cap, got, c.want)
		}
	}
}

func TestValidateAllocation(t *testing.T) {
	cellIdeas := []string{"a", "b", "c"}

	if err := ValidateAllocation(map[string]int{"a": 6, "b": 4}, 10, cellIdeas); err != nil {
		t.Fatalf("合法分配不应报错: %v", err)
	}
	if err := ValidateAllocation(map[string]int{"a": 5}, 10, cellIdeas); err == nil {
		t.Fatal("未分配完预算应报错")
	}
	if err := ValidateAllocation(map[string]int{"a": 5, "x": 5}, 10, cellIdeas); err == nil {
		t.Fatal("投给组外议题应报错")
	}
	if err := ValidateAllocation(map[string]int{"a": 12, "b": -2}, 10, cellIdeas); err == nil {
		t.Fatal("负权重应报错")
	}
}

func TestCellComplete(t *testing.T) {
	if !CellComplete(5, 5) {
		t.Fatal("全员已投应判定完成")
	}
	if CellComplete(4, 5) {
		t.Fatal("未全员投完不应判定完成")
	}
	if CellComplete(0, 0) {
		t.Fatal("无活跃成员的小组不应靠计票判定完成")
	}
}

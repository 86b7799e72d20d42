package service

import (
	"testing"
	"time"

	"github.com/lvdashuaibi/deliberate/config"
	"github.com/lvdashuaibi/deliberate/internal/model"
	"github.com/lvdashuaibi/deliberate/internal/repository"
)

func setTestConfig() {
	config.AppConfig.Tournament = config.TournamentConfig{
		GroupSize:          5,
		GracePeriod:        10 * time.Second,
		WeightBudget:       10,
		TierDeadline:       24 * time.Hour,
		PromoteUpvoteStep:  5,
		SpreadUpvoteStep:   3,
		AccumulationWindow: 72 * time.Hour,
		MinChallengers:     4,
		ChallengerCellCap:  20,
		MaxBenchedRounds:   3,
	}
	config.AppConfig.Sweep.Interval = 5 * time.Second
}

// fakeStore 以函数字段为钩子的内存Store实现
type fakeStore struct {
	createDeliberation  func(d *model.Deliberation) error
	getDeliberation     func(id string) (*model.Deliberation, error)
	listActive          func() ([]*model.Deliberation, error)
	createIdea          func(idea *model.Idea) error
	getIdea             func(id string) (*model.Idea, error)
	listIdeasByStatus   func(deliberationID string, statuses ...model.IdeaStatus) ([]*model.Idea, error)
	getCell             func(cellID string) (*model.Cell, error)
	listCellsByTier     func(deliberationID string, tier int) ([]*model.Cell, error)
	listOverdueCells    func(deliberationID string, now time.Time) ([]*model.Cell, error)
	getCellState        func(cellID string) (*model.CellState, error)
	castVote            func(cellID, userID string, allocation map[string]int, grace time.Duration, now time.Time) (*model.VoteResult, error)
	getVote             func(cellID, userID string) (*model.Vote, error)
	finalizeCell        func(cellID string, now time.Time) (*model.FinalizedCell, error)
	startVoting         func(deliberationID string, groupSize int, tierDeadline time.Duration, now time.Time) (*model.AdvanceOutcome, error)
	tryAdvanceTier      func(deliberationID string, tier, groupSize int, tierDeadline, accumulationWindow time.Duration, now time.Time) (*model.AdvanceOutcome, error)
	startChallengeRound func(deliberationID string, p repository.ChallengeParams, now time.Time) (*model.ChallengeRoundResult, error)
	createComment       func(c *model.Comment) error
	getComment          func(id string) (*model.Comment, error)
	upvoteComment       func(commentID string, promoteStep, spreadStep int) (*model.Comment, error)
	listLocalComments   func(cellID string) ([]*model.Comment, error)
	listPromoted        func(cell *model.Cell) ([]*model.Comment, error)
	listSpread          func(cell *model.Cell) ([]*model.Comment, error)
	siblingCellIDs      func(deliberationID string, tier int, ideaID string) ([]string, error)
}

func (f *fakeStore) CreateDeliberation(d *model.Deliberation) error {
	if f.createDeliberation != nil {
		return f.createDeliberation(d)
	}
	return nil
}

func (f *fakeStore) GetDeliberation(id string) (*model.Deliberation, error) {
	if f.getDeliberation != nil {
		return f.getDeliberation(id)
	}
	return nil, model.NewError(model.ErrNotFound, "审议 %s 不存在", id)
}

func (f *fakeStore) ListActiveDeliberations() ([]*model.Deliberation, error) {
	if f.listActive != nil {
		return f.listActive()
	}
	return nil, nil
}

func (f *fakeStore) CreateIdea(idea *model.Idea) error {
	if f.createIdea != nil {
		return f.createIdea(idea)
	}
	return nil
}

func (f *fakeStore) GetIdea(id string) (*model.Idea, error) {
	if f.getIdea != nil {
		return f.getIdea(id)
	}
	return nil, model.NewError(model.ErrNotFound, "议题 %s 不存在", id)
}

func (f *fakeStore) ListIdeasByStatus(deliberationID string, statuses ...model.IdeaStatus) ([]*model.Idea, error) {
	if f.listIdeasByStatus != nil {
		return f.listIdeasByStatus(deliberationID, statuses...)
	}
	return nil, nil
}

func (f *fakeStore) GetCell(cellID string) (*model.Cell, error) {
	if f.getCell != nil {
		return f.getCell(cellID)
	}
	return nil, model.NewError(model.ErrNotFound, "小组 %s 不存在", cellID)
}

func (f *fakeStore) ListCellsByTier(deliberationID string, tier int) ([]*model.Cell, error) {
	if f.listCellsByTier != nil {
		return f.listCellsByTier(deliberationID, tier)
	}
	return nil, nil
}

func (f *fakeStore) ListOverdueCells(deliberationID string, now time.Time) ([]*model.Cell, error) {
	if f.listOverdueCells != nil {
		return f.listOverdueCells(deliberationID, now)
	}
	return nil, nil
}

func (f *fakeStore) GetCellState(cellID string) (*model.CellState, error) {
	if f.getCellState != nil {
		return f.getCellState(cellID)
	}
	return nil, model.NewError(model.ErrNotFound, "小组 %s 不存在", cellID)
}

func (f *fakeStore) CastVote(cellID, userID string, allocation map[string]int,
	grace time.Duration, now time.Time) (*model.VoteResult, error) {
	if f.castVote != nil {
		return f.castVote(cellID, userID, allocation, grace, now)
	}
	return &model.VoteResult{}, nil
}

func (f *fakeStore) GetVote(cellID, userID string) (*model.Vote, error) {
	if f.getVote != nil {
		return f.getVote(cellID, userID)
	}
	return nil, model.NewError(model.ErrNotFound, "选票不存在")
}

func (f *fakeStore) FinalizeCell(cellID string, now time.Time) (*model.FinalizedCell, error) {
	if f.finalizeCell != nil {
		return f.finalizeCell(cellID, now)
	}
	return &model.FinalizedCell{CellID: cellID}, nil
}

func (f *fakeStore) StartVoting(deliberationID string, groupSize int,
	tierDeadline time.Duration, now time.Time) (*model.AdvanceOutcome, error) {
	if f.startVoting != nil {
		return f.startVoting(deliberationID, groupSize, tierDeadline, now)
	}
	return &model.AdvanceOutcome{}, nil
}

func (f *fakeStore) TryAdvanceTier(deliberationID string, tier, groupSize int,
	tierDeadline, accumulationWindow time.Duration, now time.Time) (*model.AdvanceOutcome, error) {
	if f.tryAdvanceTier != nil {
		return f.tryAdvanceTier(deliberationID, tier, groupSize, tierDeadline, accumulationWindow, now)
	}
	return &model.AdvanceOutcome{}, nil
}

func (f *fakeStore) StartChallengeRound(deliberationID string, p repository.ChallengeParams,
	now time.Time) (*model.ChallengeRoundResult, error) {
	if f.startChallengeRound != nil {
		return f.startChallengeRound(deliberationID, p, now)
	}
	return &model.ChallengeRoundResult{}, nil
}

func (f *fakeStore) CreateComment(c *model.Comment) error {
	if f.createComment != nil {
		return f.createComment(c)
	}
	return nil
}

func (f *fakeStore) GetComment(id string) (*model.Comment, error) {
	if f.getComment != nil {
		return f.getComment(id)
	}
	return nil, model.NewError(model.ErrNotFound, "评论 %s 不存在", id)
}

func (f *fakeStore) UpvoteComment(commentID string, promoteStep, spreadStep int) (*model.Comment, error) {
	if f.upvoteComment != nil {
		return f.upvoteComment(commentID, promoteStep, spreadStep)
	}
	return nil, model.NewError(model.ErrNotFound, "评论 %s 不存在", commentID)
}

func (f *fakeStore) ListLocalComments(cellID string) ([]*model.Comment, error) {
	if f.listLocalComments != nil {
		return f.listLocalComments(cellID)
	}
	return nil, nil
}

func (f *fakeStore) ListPromotedCandidates(cell *model.Cell) ([]*model.Comment, error) {
	if f.listPromoted != nil {
		return f.listPromoted(cell)
	}
	return nil, nil
}

func (f *fakeStore) ListSpreadCandidates(cell *model.Cell) ([]*model.Comment, error) {
	if f.listSpread != nil {
		return f.listSpread(cell)
	}
	return nil, nil
}

func (f *fakeStore) SiblingCellIDs(deliberationID string, tier int, ideaID string) ([]string, error) {
	if f.siblingCellIDs != nil {
		return f.siblingCellIDs(deliberationID, tier, ideaID)
	}
	return nil, nil
}

// fakeCache 记录读写和失效操作的内存Cache实现
type fakeCache struct {
	cellStates      map[string]*model.CellState
	visibleComments map[string]*model.VisibleComments
	deletedStates   []string
	deletedComments []string
	sweepMarks      map[string]bool
	views           map[string]int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		cellStates:      make(map[string]*model.CellState),
		visibleComments: make(map[string]*model.VisibleComments),
		sweepMarks:      make(map[string]bool),
		views:           make(map[string]int64),
	}
}

func (f *fakeCache) GetCellState(cellID string) (*model.CellState, bool, error) {
	state, ok := f.cellStates[cellID]
	return state, ok, nil
}

func (f *fakeCache) SetCellState(state *model.CellState) error {
	f.cellStates[state.Cell.ID] = state
	return nil
}

func (f *fakeCache) DeleteCellState(cellID string) error {
	delete(f.cellStates, cellID)
	f.deletedStates = append(f.deletedStates, cellID)
	return nil
}

func (f *fakeCache) GetVisibleComments(cellID string) (*model.VisibleComments, bool, error) {
	vc, ok := f.visibleComments[cellID]
	return vc, ok, nil
}

func (f *fakeCache) SetVisibleComments(cellID string, vc *model.VisibleComments) error {
	f.visibleComments[cellID] = vc
	return nil
}

func (f *fakeCache) DeleteVisibleComments(cellID string) error {
	delete(f.visibleComments, cellID)
	f.deletedComments = append(f.deletedComments, cellID)
	return nil
}

func (f *fakeCache) TryMarkSweep(scope string, interval time.Duration) (bool, error) {
	if f.sweepMarks[scope] {
		return false, nil
	}
	f.sweepMarks[scope] = true
	return true, nil
}

func (f *fakeCache) IncrCommentViews(commentID, deliberationID string) (int64, error) {
	f.views[commentID]++
	return f.views[commentID], nil
}

// fakeSender 记录发出的引擎事件
type fakeSender struct {
	events []*model.EngineEvent
}

func (f *fakeSender) SendEngineEvent(event *model.EngineEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSender) eventTypes() []model.EventType {
	types := make([]model.EventType, 0, len(f.events))
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

func TestCastVoteUnweightedUsesFullBudget(t *testing.T) {
	setTestConfig()

	var got map[string]int
	store := &fakeStore{
		getCell: func(cellID string) (*model.Cell, error) {
			return &model.Cell{ID: cellID, IdeaIDs: []string{"idea-1", "idea-2"}}, nil
		},
		castVote: func(cellID, userID string, allocation map[string]int,
			grace time.Duration, now time.Time) (*model.VoteResult, error) {
			got = allocation
			return &model.VoteResult{Vote: &model.Vote{CellID: cellID, UserID: userID}}, nil
		},
	}
	cache := newFakeCache()
	cache.cellStates["cell-1"] = &model.CellState{Cell: &model.Cell{ID: "cell-1"}}

	svc := NewVoteService(store, cache, nil)
	if _, err := svc.CastVote("cell-1", "user-1", "idea-1", nil); err != nil {
		t.Fatalf("投票失败: %v", err)
	}

	if got["idea-1"] != 10 || len(got) != 1 {
		t.Fatalf("未加权投票应把全部预算给主选议题, 实际分配: %v", got)
	}
	if _, ok := cache.cellStates["cell-1"]; ok {
		t.Fatalf("投票后小组状态缓存应失效")
	}
}

func TestCastVoteRejectsBadBudget(t *testing.T) {
	setTestConfig()

	called := false
	store := &fakeStore{
		getCell: func(cellID string) (*model.Cell, error) {
			return &model.Cell{ID: cellID, IdeaIDs: []string{"idea-1", "idea-2"}}, nil
		},
		castVote: func(cellID, userID string, allocation map[string]int,
			grace time.Duration, now time.Time) (*model.VoteResult, error) {
			called = true
			return &model.VoteResult{}, nil
		},
	}

	svc := NewVoteService(store, newFakeCache(), nil)
	_, err := svc.CastVote("cell-1", "user-1", "", map[string]int{"idea-1": 3, "idea-2": 4})
	if !model.IsKind(err, model.ErrBadWeightAllocation) {
		t.Fatalf("预算未用完应返回分配错误, 实际: %v", err)
	}
	if called {
		t.Fatalf("校验失败时不应落库")
	}
}

func TestCastVoteAfterDeadlineFinalizesCell(t *testing.T) {
	setTestConfig()

	finalized := false
	store := &fakeStore{
		getCell: func(cellID string) (*model.Cell, error) {
			return &model.Cell{ID: cellID, DeliberationID: "d-1", Tier: 1,
				IdeaIDs: []string{"idea-1"}}, nil
		},
		castVote: func(cellID, userID string, allocation map[string]int,
			grace time.Duration, now time.Time) (*model.VoteResult, error) {
			return nil, model.NewError(model.ErrDeadlinePassed, "小组 %s 的投票截止时间已过", cellID)
		},
		finalizeCell: func(cellID string, now time.Time) (*model.FinalizedCell, error) {
			finalized = true
			return &model.FinalizedCell{
				CellID: cellID, DeliberationID: "d-1", Tier: 1,
				Winners: []string{"idea-1"}, Finalized: true,
			}, nil
		},
	}
	sender := &fakeSender{}

	svc := NewVoteService(store, newFakeCache(), sender)
	_, err := svc.CastVote("cell-1", "user-1", "idea-1", nil)
	if !model.IsKind(err, model.ErrDeadlinePassed) {
		t.Fatalf("应返回截止已过错误, 实际: %v", err)
	}
	if !finalized {
		t.Fatalf("截止已过应同步触发定格")
	}
	if len(sender.events) != 1 || sender.events[0].Type != model.EventCellFinalized {
		t.Fatalf("应发出定格事件, 实际: %v", sender.eventTypes())
	}
}

func TestGetCellStateReadThrough(t *testing.T) {
	setTestConfig()

	hits := 0
	store := &fakeStore{
		getCellState: func(cellID string) (*model.CellState, error) {
			hits++
			return &model.CellState{
				Cell:             &model.Cell{ID: cellID},
				VotedCount:       2,
				ParticipantCount: 5,
			}, nil
		},
	}
	cache := newFakeCache()

	svc := NewVoteService(store, cache, nil)

	state, err := svc.GetCellState("cell-1")
	if err != nil {
		t.Fatalf("查询小组状态失败: %v", err)
	}
	if state.VotedCount != 2 {
		t.Fatalf("已投人数不符: %d", state.VotedCount)
	}
	if hits != 1 {
		t.Fatalf("首次查询应回源数据库")
	}

	if _, err := svc.GetCellState("cell-1"); err != nil {
		t.Fatalf("二次查询失败: %v", err)
	}
	if hits != 1 {
		t.Fatalf("缓存命中后不应再回源, 回源次数: %d", hits)
	}
}

func TestSubmitIdeaPhaseRules(t *testing.T) {
	setTestConfig()

	phase := model.PhaseVoting
	var created *model.Idea
	store := &fakeStore{
		getDeliberation: func(id string) (*model.Deliberation, error) {
			return &model.Deliberation{ID: id, Phase: phase}, nil
		},
		createIdea: func(idea *model.Idea) error {
			created = idea
			return nil
		},
	}

	svc := NewDeliberationService(store, nil)

	_, err := svc.SubmitIdea("d-1", "user-1", "提案A")
	if !model.IsKind(err, model.ErrWrongPhase) {
		t.Fatalf("投票阶段不应接受新议题, 实际: %v", err)
	}

	phase = model.PhaseAccumulating
	idea, err := svc.SubmitIdea("d-1", "user-1", "提案B")
	if err != nil {
		t.Fatalf("守擂阶段提交失败: %v", err)
	}
	if !idea.IsNew || created == nil || !created.IsNew {
		t.Fatalf("守擂阶段提交的议题应标记为新挑战者")
	}

	phase = model.PhaseSubmitting
	idea, err = svc.SubmitIdea("d-1", "user-1", "提案C")
	if err != nil {
		t.Fatalf("征集阶段提交失败: %v", err)
	}
	if idea.IsNew {
		t.Fatalf("征集阶段提交的议题不是挑战者")
	}
}

func TestVisibleCommentsMergeAndSpread(t *testing.T) {
	setTestConfig()

	cell := &model.Cell{ID: "cell-1", DeliberationID: "d-1", Tier: 2,
		IdeaIDs: []string{"idea-1"}}
	local := []*model.Comment{{ID: "c-local", CellID: "cell-1", Tier: 2}}
	promoted := []*model.Comment{
		{ID: "c-promoted", CellID: "cell-low", Tier: 1, IdeaID: "idea-1", ReachTier: 2},
		{ID: "c-local", CellID: "cell-1", Tier: 2}, // 与本组重复，应去重
	}
	spread := []*model.Comment{
		// 扩散名额覆盖全部同组，任何小组都可见
		{ID: "c-spread", CellID: "cell-2", Tier: 2, IdeaID: "idea-1", SpreadCount: 3},
		// 没有扩散名额，不可见
		{ID: "c-quiet", CellID: "cell-2", Tier: 2, IdeaID: "idea-1", SpreadCount: 0},
	}

	store := &fakeStore{
		getCell:           func(string) (*model.Cell, error) { return cell, nil },
		listLocalComments: func(string) ([]*model.Comment, error) { return local, nil },
		listPromoted:      func(*model.Cell) ([]*model.Comment, error) { return promoted, nil },
		listSpread:        func(*model.Cell) ([]*model.Comment, error) { return spread, nil },
		siblingCellIDs: func(string, int, string) ([]string, error) {
			return []string{"cell-1", "cell-2", "cell-3"}, nil
		},
	}
	cache := newFakeCache()

	svc := NewCommentService(store, cache, nil)
	vc, err := svc.VisibleComments("cell-1")
	if err != nil {
		t.Fatalf("计算可见评论失败: %v", err)
	}

	if len(vc.Local) != 1 || vc.Local[0].ID != "c-local" {
		t.Fatalf("本组评论不符: %+v", vc.Local)
	}

	got := make(map[string]bool)
	for _, c := range vc.Promoted {
		got[c.ID] = true
	}
	if !got["c-promoted"] {
		t.Fatalf("下层晋升评论应可见")
	}
	if !got["c-spread"] {
		t.Fatalf("名额覆盖全部小组的扩散评论应可见")
	}
	if got["c-quiet"] {
		t.Fatalf("没有扩散名额的评论不应可见")
	}
	if got["c-local"] {
		t.Fatalf("本组评论不应重复出现在晋升列表")
	}

	if _, ok := cache.visibleComments["cell-1"]; !ok {
		t.Fatalf("计算结果应回填缓存")
	}
}

func TestSpreadExcludesOriginFromQuota(t *testing.T) {
	setTestConfig()

	externals := []string{"cell-a", "cell-b", "cell-c", "cell-d", "cell-e"}
	siblings := append([]string{"cell-origin"}, externals...)
	comment := &model.Comment{ID: "c-viral", CellID: "cell-origin", Tier: 2,
		IdeaID: "idea-1", SpreadCount: 2}

	store := &fakeStore{
		getCell: func(cellID string) (*model.Cell, error) {
			return &model.Cell{ID: cellID, DeliberationID: "d-1", Tier: 2,
				IdeaIDs: []string{"idea-1"}}, nil
		},
		listSpread: func(*model.Cell) ([]*model.Comment, error) {
			return []*model.Comment{comment}, nil
		},
		siblingCellIDs: func(string, int, string) ([]string, error) {
			return siblings, nil
		},
	}
	svc := NewCommentService(store, newFakeCache(), nil)

	// 扩散名额为2，原小组不占名额：5个外部小组中应恰好2个可见
	visible := 0
	for _, cellID := range externals {
		vc, err := svc.VisibleComments(cellID)
		if err != nil {
			t.Fatalf("计算小组 %s 可见评论失败: %v", cellID, err)
		}
		for _, c := range vc.Promoted {
			if c.ID == "c-viral" {
				visible++
			}
		}
	}
	if visible != 2 {
		t.Fatalf("5个外部小组中 %d 个可见，期望恰好2个", visible)
	}

	// 名额等于外部小组数时，所有外部小组都应可见
	comment.SpreadCount = len(externals)
	svc = NewCommentService(store, newFakeCache(), nil)
	for _, cellID := range externals {
		vc, err := svc.VisibleComments(cellID)
		if err != nil {
			t.Fatalf("计算小组 %s 可见评论失败: %v", cellID, err)
		}
		found := false
		for _, c := range vc.Promoted {
			if c.ID == "c-viral" {
				found = true
			}
		}
		if !found {
			t.Fatalf("名额覆盖全部外部小组时，小组 %s 也应可见", cellID)
		}
	}
}

func TestUpvoteCommentInvalidatesOriginCell(t *testing.T) {
	setTestConfig()

	store := &fakeStore{
		upvoteComment: func(commentID string, promoteStep, spreadStep int) (*model.Comment, error) {
			if promoteStep != 5 || spreadStep != 3 {
				t.Fatalf("晋升/扩散步长不符: %d %d", promoteStep, spreadStep)
			}
			return &model.Comment{ID: commentID, CellID: "cell-1", Upvotes: 5,
				SpreadCount: 1, ReachTier: 2}, nil
		},
	}
	cache := newFakeCache()
	cache.visibleComments["cell-1"] = &model.VisibleComments{}

	svc := NewCommentService(store, cache, nil)
	comment, err := svc.UpvoteComment("c-1")
	if err != nil {
		t.Fatalf("点赞失败: %v", err)
	}
	if comment.Upvotes != 5 {
		t.Fatalf("点赞数不符: %d", comment.Upvotes)
	}
	if _, ok := cache.visibleComments["cell-1"]; ok {
		t.Fatalf("点赞后源小组可见评论缓存应失效")
	}
}

func TestSweepFinalizesAdvancesAndStartsChallenge(t *testing.T) {
	setTestConfig()

	voting := &model.Deliberation{ID: "d-voting", Phase: model.PhaseVoting, CurrentTier: 1}
	past := time.Now().Add(-time.Hour)
	accumulating := &model.Deliberation{ID: "d-accum", Phase: model.PhaseAccumulating,
		AccumulationDeadline: &past}

	store := &fakeStore{
		listActive: func() ([]*model.Deliberation, error) {
			return []*model.Deliberation{voting, accumulating}, nil
		},
		listOverdueCells: func(deliberationID string, now time.Time) ([]*model.Cell, error) {
			return []*model.Cell{{ID: "cell-1", DeliberationID: deliberationID, Tier: 1}}, nil
		},
		finalizeCell: func(cellID string, now time.Time) (*model.FinalizedCell, error) {
			return &model.FinalizedCell{CellID: cellID, DeliberationID: "d-voting",
				Tier: 1, Finalized: true}, nil
		},
		tryAdvanceTier: func(deliberationID string, tier, groupSize int,
			tierDeadline, accumulationWindow time.Duration, now time.Time) (*model.AdvanceOutcome, error) {
			return &model.AdvanceOutcome{Advanced: true, NextTier: 2, NewCellCount: 3}, nil
		},
		startChallengeRound: func(deliberationID string, p repository.ChallengeParams,
			now time.Time) (*model.ChallengeRoundResult, error) {
			return &model.ChallengeRoundResult{ChallengeRound: 2, StartTier: 1,
				Challengers: []string{"idea-9"}}, nil
		},
	}
	sender := &fakeSender{}
	cache := newFakeCache()

	challenge := NewChallengeService(store, sender)
	svc := NewSweepService(store, cache, challenge, nil, sender, false)

	report, err := svc.Sweep(time.Now())
	if err != nil {
		t.Fatalf("扫描失败: %v", err)
	}

	if len(report.FinalizedCells) != 1 || report.FinalizedCells[0] != "cell-1" {
		t.Fatalf("定格小组不符: %v", report.FinalizedCells)
	}
	if len(report.AdvancedTiers) != 1 || report.AdvancedTiers[0] != "d-voting" {
		t.Fatalf("推进层级不符: %v", report.AdvancedTiers)
	}
	if len(report.StartedChallenge) != 1 || report.StartedChallenge[0] != "d-accum" {
		t.Fatalf("开启挑战不符: %v", report.StartedChallenge)
	}

	types := sender.eventTypes()
	want := map[model.EventType]bool{
		model.EventCellFinalized:    false,
		model.EventTierAdvanced:     false,
		model.EventChallengeStarted: false,
	}
	for _, tp := range types {
		want[tp] = true
	}
	for tp, ok := range want {
		if !ok {
			t.Fatalf("缺少事件 %s, 实际: %v", tp, types)
		}
	}

	// 同一审议在间隔内第二次扫描应被标记挡住
	report, err = svc.Sweep(time.Now())
	if err != nil {
		t.Fatalf("二次扫描失败: %v", err)
	}
	if len(report.FinalizedCells) != 0 || len(report.AdvancedTiers) != 0 {
		t.Fatalf("间隔内重复扫描不应重复推进: %+v", report)
	}
}

func TestChallengeExtendedEmitsNoEvent(t *testing.T) {
	setTestConfig()

	store := &fakeStore{
		startChallengeRound: func(deliberationID string, p repository.ChallengeParams,
			now time.Time) (*model.ChallengeRoundResult, error) {
			return &model.ChallengeRoundResult{Extended: true,
				ExtendReason: "挑战者不足"}, nil
		},
	}
	sender := &fakeSender{}

	svc := NewChallengeService(store, sender)
	result, err := svc.StartChallengeRound("d-1")
	if err != nil {
		t.Fatalf("开启挑战失败: %v", err)
	}
	if !result.Extended {
		t.Fatalf("应返回延长结果")
	}
	if len(sender.events) != 0 {
		t.Fatalf("延长积累窗口不应发出开轮事件")
	}
}

func TestViewCommentCountsAndEmits(t *testing.T) {
	setTestConfig()

	store := &fakeStore{
		getComment: func(id string) (*model.Comment, error) {
			return &model.Comment{ID: id, DeliberationID: "d-1", CellID: "cell-1"}, nil
		},
	}
	cache := newFakeCache()
	sender := &fakeSender{}

	svc := NewCommentService(store, cache, sender)
	views, err := svc.ViewComment("c-1")
	if err != nil {
		t.Fatalf("记录浏览失败: %v", err)
	}
	if views != 1 {
		t.Fatalf("浏览计数不符: %d", views)
	}
	views, _ = svc.ViewComment("c-1")
	if views != 2 {
		t.Fatalf("浏览计数应递增: %d", views)
	}
	if len(sender.events) != 2 || sender.events[0].Type != model.EventCommentViewed {
		t.Fatalf("应发出浏览事件, 实际: %v", sender.eventTypes())
	}
}

func TestProgressCollectsCellsAndIdeas(t *testing.T) {
	setTestConfig()

	d := &model.Deliberation{ID: "d-1", Phase: model.PhaseVoting, CurrentTier: 2}
	var askedStatuses [][]model.IdeaStatus

	store := &fakeStore{
		getDeliberation: func(string) (*model.Deliberation, error) { return d, nil },
		listCellsByTier: func(deliberationID string, tier int) ([]*model.Cell, error) {
			if tier != 2 {
				t.Fatalf("应查询当前层级2, 实际: %d", tier)
			}
			return []*model.Cell{{ID: "cell-1", Tier: 2}, {ID: "cell-2", Tier: 2}}, nil
		},
		listIdeasByStatus: func(deliberationID string, statuses ...model.IdeaStatus) ([]*model.Idea, error) {
			askedStatuses = append(askedStatuses, statuses)
			if statuses[0] == model.IdeaInVoting {
				return []*model.Idea{{ID: "idea-1", Status: model.IdeaInVoting}}, nil
			}
			return []*model.Idea{{ID: "idea-9", Status: model.IdeaSubmitted}}, nil
		},
	}

	svc := NewDeliberationService(store, nil)
	progress, err := svc.Progress("d-1")
	if err != nil {
		t.Fatalf("查询进度失败: %v", err)
	}

	if len(progress.Cells) != 2 {
		t.Fatalf("当前层级小组数不符: %d", len(progress.Cells))
	}
	if len(progress.ActiveIdeas) != 1 || progress.ActiveIdeas[0].ID != "idea-1" {
		t.Fatalf("赛程中议题不符: %+v", progress.ActiveIdeas)
	}
	if len(progress.PendingIdeas) != 1 || progress.PendingIdeas[0].ID != "idea-9" {
		t.Fatalf("候场议题不符: %+v", progress.PendingIdeas)
	}
	if len(askedStatuses) != 2 {
		t.Fatalf("应分别查询赛程中和候场议题, 实际查询 %d 次", len(askedStatuses))
	}
}

func TestProgressBeforeVotingHasNoCells(t *testing.T) {
	setTestConfig()

	d := &model.Deliberation{ID: "d-1", Phase: model.PhaseSubmitting, CurrentTier: 0}
	store := &fakeStore{
		getDeliberation: func(string) (*model.Deliberation, error) { return d, nil },
		listCellsByTier: func(string, int) ([]*model.Cell, error) {
			t.Fatalf("征集阶段不应查询小组")
			return nil, nil
		},
	}

	svc := NewDeliberationService(store, nil)
	progress, err := svc.Progress("d-1")
	if err != nil {
		t.Fatalf("查询进度失败: %v", err)
	}
	if len(progress.Cells) != 0 {
		t.Fatalf("征集阶段不应有小组: %+v", progress.Cells)
	}
}

func TestSweepAdvancesOnlyAfterAllCellsFinalized(t *testing.T) {
	setTestConfig()

	voting := &model.Deliberation{ID: "d-voting", Phase: model.PhaseVoting, CurrentTier: 1}
	var calls []string

	store := &fakeStore{
		listActive: func() ([]*model.Deliberation, error) {
			return []*model.Deliberation{voting}, nil
		},
		listOverdueCells: func(deliberationID string, now time.Time) ([]*model.Cell, error) {
			return []*model.Cell{
				{ID: "cell-1", DeliberationID: deliberationID, Tier: 1},
				{ID: "cell-2", DeliberationID: deliberationID, Tier: 1},
			}, nil
		},
		finalizeCell: func(cellID string, now time.Time) (*model.FinalizedCell, error) {
			calls = append(calls, "finalize:"+cellID)
			return &model.FinalizedCell{CellID: cellID, DeliberationID: "d-voting",
				Tier: 1, Finalized: true}, nil
		},
		tryAdvanceTier: func(deliberationID string, tier, groupSize int,
			tierDeadline, accumulationWindow time.Duration, now time.Time) (*model.AdvanceOutcome, error) {
			calls = append(calls, "advance")
			return &model.AdvanceOutcome{Advanced: true, NextTier: 2}, nil
		},
	}

	svc := NewSweepService(store, newFakeCache(), NewChallengeService(store, nil), nil, nil, false)
	if _, err := svc.Sweep(time.Now()); err != nil {
		t.Fatalf("扫描失败: %v", err)
	}

	want := []string{"finalize:cell-1", "finalize:cell-2", "advance"}
	if len(calls) != len(want) {
		t.Fatalf("调用序列不符: %v", calls)
	}
	for i, c := range calls {
		if c != want[i] {
			t.Fatalf("层级推进应在全部超时小组定格之后: %v", calls)
		}
	}
}

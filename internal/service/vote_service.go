package service

import (
	"log"
	"time"

	"github.com/lvdashuaibi/deliberate/config"
	"github.com/lvdashuaibi/deliberate/internal/engine"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

// VoteService 投票入口：权重校验、落库、缓存失效与定格事件
type VoteService struct {
	store  Store
	cache  Cache
	events EventSender
}

func NewVoteService(store Store, cache Cache, events EventSender) *VoteService {
	return &VoteService{store: store, cache: cache, events: events}
}

// CastVote 投出或修改一票。
// 未加权投票(allocation为空)等价于把全部预算投给ideaID。
// 截止已过时同步触发定格，再把DEADLINE_PASSED返回给调用方。
func (s *VoteService) CastVote(cellID, userID, ideaID string, allocation map[string]int) (*model.VoteResult, error) {
	cfg := config.AppConfig.Tournament

	if len(allocation) == 0 {
		if ideaID == "" {
			return nil, model.NewError(model.ErrBadWeightAllocation, "必须指定议题或权重分配")
		}
		allocation = map[string]int{ideaID: cfg.WeightBudget}
	}

	cell, err := s.store.GetCell(cellID)
	if err != nil {
		return nil, err
	}

	inCell := make(map[string]bool, len(cell.IdeaIDs))
	for _, id := range cell.IdeaIDs {
		inCell[id] = true
	}
	for id := range allocation {
		if !inCell[id] {
			return nil, model.NewError(model.ErrIdeaNotInCell,
				"议题 %s 不在小组 %s 的议题集合内", id, cellID)
		}
	}
	if err := engine.ValidateAllocation(allocation, cfg.WeightBudget, cell.IdeaIDs); err != nil {
		return nil, model.WrapError(model.ErrBadWeightAllocation, err, "权重分配无效")
	}

	now := time.Now()
	result, err := s.store.CastVote(cellID, userID, allocation, cfg.GracePeriod, now)
	if err != nil {
		if model.IsKind(err, model.ErrDeadlinePassed) {
			s.finalizeOverdue(cell, now)
		}
		return nil, err
	}

	// 票数变了，小组状态缓存立即失效
	if cerr := s.cache.DeleteCellState(cellID); cerr != nil {
		log.Printf("删除小组 %s 状态缓存失败: %v", cellID, cerr)
	}

	return result, nil
}

// finalizeOverdue 截止已过的小组在拒绝投票的同时顺手定格
func (s *VoteService) finalizeOverdue(cell *model.Cell, now time.Time) {
	fc, err := s.store.FinalizeCell(cell.ID, now)
	if err != nil {
		log.Printf("同步定格小组 %s 失败: %v", cell.ID, err)
		return
	}
	if fc == nil {
		// 还没到期，不动
		return
	}

	if cerr := s.cache.DeleteCellState(cell.ID); cerr != nil {
		log.Printf("删除小组 %s 状态缓存失败: %v", cell.ID, cerr)
	}

	if fc.Finalized {
		s.emit(&model.EngineEvent{
			Type:           model.EventCellFinalized,
			DeliberationID: fc.DeliberationID,
			CellID:         fc.CellID,
			Tier:           fc.Tier,
			OccurredAt:     now,
		})
	}
}

// GetCellState 查询小组状态，先读缓存，未命中回源数据库并回填
func (s *VoteService) GetCellState(cellID string) (*model.CellState, error) {
	state, found, err := s.cache.GetCellState(cellID)
	if err != nil {
		log.Printf("读取小组 %s 状态缓存失败: %v", cellID, err)
	}
	if found && state != nil {
		return state, nil
	}

	state, err = s.store.GetCellState(cellID)
	if err != nil {
		return nil, err
	}

	if cerr := s.cache.SetCellState(state); cerr != nil {
		log.Printf("回填小组 %s 状态缓存失败: %v", cellID, cerr)
	}
	return state, nil
}

// GetVote 查询用户在小组内的当前选择
func (s *VoteService) GetVote(cellID, userID string) (*model.Vote, error) {
	return s.store.GetVote(cellID, userID)
}

// ProcessEngineEvent 消费引擎事件。
// 定格和推进事件驱动各实例的本地相关缓存失效。
func (s *VoteService) ProcessEngineEvent(event *model.EngineEvent) error {
	switch event.Type {
	case model.EventCellFinalized:
		if err := s.cache.DeleteCellState(event.CellID); err != nil {
			return err
		}
		return s.cache.DeleteVisibleComments(event.CellID)
	case model.EventChampionDeclared:
		log.Printf("审议 %s 产生冠军议题 %s", event.DeliberationID, event.IdeaID)
	}
	return nil
}

func (s *VoteService) emit(event *model.EngineEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.SendEngineEvent(event); err != nil {
		log.Printf("发送引擎事件 %s 失败: %v", event.Type, err)
	}
}

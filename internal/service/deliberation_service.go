package service

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/deliberate/config"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

// DeliberationService 审议生命周期：创建、征集议题、进入投票
type DeliberationService struct {
	store  Store
	events EventSender
}

func NewDeliberationService(store Store, events EventSender) *DeliberationService {
	return &DeliberationService{store: store, events: events}
}

// CreateDeliberation 创建一场审议，初始处于征集阶段
func (s *DeliberationService) CreateDeliberation(creatorID, title string, rollingMode bool) (*model.Deliberation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("审议标题不能为空")
	}
	if creatorID == "" {
		return nil, fmt.Errorf("创建者不能为空")
	}

	now := time.Now()
	d := &model.Deliberation{
		ID:          uuid.NewString(),
		CreatorID:   creatorID,
		Title:       title,
		Phase:       model.PhaseSubmitting,
		CurrentTier: 0,
		RollingMode: rollingMode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateDeliberation(d); err != nil {
		return nil, err
	}
	return d, nil
}

// SubmitIdea 提交议题。征集阶段的议题进入首轮；
// 守擂阶段提交的议题成为挑战者，等待下一轮挑战开启。
func (s *DeliberationService) SubmitIdea(deliberationID, authorID, text string) (*model.Idea, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("议题内容不能为空")
	}

	d, err := s.store.GetDeliberation(deliberationID)
	if err != nil {
		return nil, err
	}

	isNew := false
	switch d.Phase {
	case model.PhaseSubmitting:
	case model.PhaseAccumulating:
		isNew = true
	default:
		return nil, model.NewError(model.ErrWrongPhase,
			"审议 %s 处于 %s 阶段，不接受新议题", deliberationID, d.Phase)
	}

	idea := &model.Idea{
		ID:             uuid.NewString(),
		DeliberationID: deliberationID,
		AuthorID:       authorID,
		Text:           text,
		Status:         model.IdeaSubmitted,
		Tier:           0,
		IsNew:          isNew,
		CreatedAt:      time.Now(),
	}

	if err := s.store.CreateIdea(idea); err != nil {
		return nil, err
	}
	return idea, nil
}

// StartVoting 结束征集，建立首层小组并进入投票阶段
func (s *DeliberationService) StartVoting(deliberationID string) (*model.AdvanceOutcome, error) {
	cfg := config.AppConfig.Tournament
	outcome, err := s.store.StartVoting(deliberationID, cfg.GroupSize, cfg.TierDeadline, time.Now())
	if err != nil {
		return nil, err
	}

	if outcome.Advanced {
		s.emit(&model.EngineEvent{
			Type:           model.EventTierAdvanced,
			DeliberationID: deliberationID,
			Tier:           outcome.NextTier,
			OccurredAt:     time.Now(),
		})
	}
	return outcome, nil
}

// GetDeliberation 查询审议
func (s *DeliberationService) GetDeliberation(id string) (*model.Deliberation, error) {
	return s.store.GetDeliberation(id)
}

// GetIdea 查询议题
func (s *DeliberationService) GetIdea(id string) (*model.Idea, error) {
	return s.store.GetIdea(id)
}

// Progress 审议进度快照：当前层级的小组、赛程中的议题与候场议题
func (s *DeliberationService) Progress(deliberationID string) (*model.DeliberationProgress, error) {
	d, err := s.store.GetDeliberation(deliberationID)
	if err != nil {
		return nil, err
	}

	progress := &model.DeliberationProgress{Deliberation: d}

	if d.CurrentTier > 0 {
		cells, err := s.store.ListCellsByTier(deliberationID, d.CurrentTier)
		if err != nil {
			return nil, err
		}
		progress.Cells = cells
	}

	active, err := s.store.ListIdeasByStatus(deliberationID,
		model.IdeaInVoting, model.IdeaAdvancing, model.IdeaDefending)
	if err != nil {
		return nil, err
	}
	progress.ActiveIdeas = active

	pending, err := s.store.ListIdeasByStatus(deliberationID,
		model.IdeaSubmitted, model.IdeaPending)
	if err != nil {
		return nil, err
	}
	progress.PendingIdeas = pending

	return progress, nil
}

func (s *DeliberationService) emit(event *model.EngineEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.SendEngineEvent(event); err != nil {
		log.Printf("发送引擎事件 %s 失败: %v", event.Type, err)
	}
}

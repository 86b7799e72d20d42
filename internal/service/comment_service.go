package service

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/deliberate/config"
	"github.com/lvdashuaibi/deliberate/internal/engine"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

// CommentService 小组讨论与向上传粉：评论的创建、点赞晋升和可见集合计算
type CommentService struct {
	store  Store
	cache  Cache
	events EventSender
}

func NewCommentService(store Store, cache Cache, events EventSender) *CommentService {
	return &CommentService{store: store, cache: cache, events: events}
}

// AddComment 在小组内发表评论。ideaID可为空，
// 但只有关联议题的评论才会跟随议题向上传粉。
func (s *CommentService) AddComment(cellID, authorID, ideaID, body string) (*model.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("评论内容不能为空")
	}

	cell, err := s.store.GetCell(cellID)
	if err != nil {
		return nil, err
	}

	if ideaID != "" {
		inCell := false
		for _, id := range cell.IdeaIDs {
			if id == ideaID {
				inCell = true
				break
			}
		}
		if !inCell {
			return nil, model.NewError(model.ErrIdeaNotInCell,
				"议题 %s 不在小组 %s 的议题集合内", ideaID, cellID)
		}
	}

	comment := &model.Comment{
		ID:             uuid.NewString(),
		DeliberationID: cell.DeliberationID,
		CellID:         cellID,
		Tier:           cell.Tier,
		IdeaID:         ideaID,
		AuthorID:       authorID,
		Body:           body,
		ReachTier:      cell.Tier,
		CreatedAt:      time.Now(),
	}

	if err := s.store.CreateComment(comment); err != nil {
		return nil, err
	}

	if cerr := s.cache.DeleteVisibleComments(cellID); cerr != nil {
		log.Printf("删除小组 %s 可见评论缓存失败: %v", cellID, cerr)
	}
	return comment, nil
}

// UpvoteComment 点赞。点赞数推动可见层级与同层扩散名额，
// 推导在同一个事务内完成并随行持久化。
func (s *CommentService) UpvoteComment(commentID string) (*model.Comment, error) {
	cfg := config.AppConfig.Tournament
	comment, err := s.store.UpvoteComment(commentID, cfg.PromoteUpvoteStep, cfg.SpreadUpvoteStep)
	if err != nil {
		return nil, err
	}

	// 晋升和扩散范围可能变化，先让源小组的可见集合失效；
	// 其余受影响小组依赖缓存TTL过期
	if cerr := s.cache.DeleteVisibleComments(comment.CellID); cerr != nil {
		log.Printf("删除小组 %s 可见评论缓存失败: %v", comment.CellID, cerr)
	}
	return comment, nil
}

// VisibleComments 计算小组当前可见的评论集合：
// 本组评论、下层随议题晋升上来的评论、同层扩散过来的评论。
func (s *CommentService) VisibleComments(cellID string) (*model.VisibleComments, error) {
	vc, found, err := s.cache.GetVisibleComments(cellID)
	if err != nil {
		log.Printf("读取小组 %s 可见评论缓存失败: %v", cellID, err)
	}
	if found && vc != nil {
		return vc, nil
	}

	cell, err := s.store.GetCell(cellID)
	if err != nil {
		return nil, err
	}

	local, err := s.store.ListLocalComments(cellID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(local))
	for _, c := range local {
		seen[c.ID] = true
	}

	// 下层晋升：评论关联的议题在本组且reach_tier到达本层
	promoted, err := s.store.ListPromotedCandidates(cell)
	if err != nil {
		return nil, err
	}
	merged := make([]*model.Comment, 0, len(promoted))
	for _, c := range promoted {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		merged = append(merged, c)
	}

	// 同层扩散：候选评论按确定性排名选中本组才可见
	spread, err := s.store.ListSpreadCandidates(cell)
	if err != nil {
		return nil, err
	}
	for _, c := range spread {
		if seen[c.ID] || c.CellID == cellID {
			continue
		}
		siblings, err := s.store.SiblingCellIDs(cell.DeliberationID, cell.Tier, c.IdeaID)
		if err != nil {
			return nil, err
		}
		// 原小组本地已可见，不占扩散名额
		targets := make([]string, 0, len(siblings))
		for _, id := range siblings {
			if id != c.CellID {
				targets = append(targets, id)
			}
		}
		if !engine.SpreadVisible(c.ID, cellID, targets, c.SpreadCount) {
			continue
		}
		seen[c.ID] = true
		merged = append(merged, c)
	}

	vc = &model.VisibleComments{Local: local, Promoted: merged}

	if cerr := s.cache.SetVisibleComments(cellID, vc); cerr != nil {
		log.Printf("回填小组 %s 可见评论缓存失败: %v", cellID, cerr)
	}
	return vc, nil
}

// ViewComment 记录一次评论浏览，计数走Redis脚本，事件异步投递
func (s *CommentService) ViewComment(commentID string) (int64, error) {
	comment, err := s.store.GetComment(commentID)
	if err != nil {
		return 0, err
	}

	views, err := s.cache.IncrCommentViews(commentID, comment.DeliberationID)
	if err != nil {
		return 0, err
	}

	if s.events != nil {
		event := &model.EngineEvent{
			Type:           model.EventCommentViewed,
			DeliberationID: comment.DeliberationID,
			CellID:         comment.CellID,
			CommentID:      commentID,
			OccurredAt:     time.Now(),
		}
		if err := s.events.SendEngineEvent(event); err != nil {
			log.Printf("发送引擎事件 %s 失败: %v", event.Type, err)
		}
	}
	return views, nil
}

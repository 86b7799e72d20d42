package service

import (
	"time"

	"github.com/lvdashuaibi/deliberate/internal/model"
	"github.com/lvdashuaibi/deliberate/internal/repository"
)

// Store 服务层依赖的持久化操作集合，由MySQL仓库实现
type Store interface {
	CreateDeliberation(d *model.Deliberation) error
	GetDeliberation(id string) (*model.Deliberation, error)
	ListActiveDeliberations() ([]*model.Deliberation, error)

	CreateIdea(idea *model.Idea) error
	GetIdea(id string) (*model.Idea, error)
	ListIdeasByStatus(deliberationID string, statuses ...model.IdeaStatus) ([]*model.Idea, error)

	GetCell(cellID string) (*model.Cell, error)
	ListCellsByTier(deliberationID string, tier int) ([]*model.Cell, error)
	ListOverdueCells(deliberationID string, now time.Time) ([]*model.Cell, error)
	GetCellState(cellID string) (*model.CellState, error)

	CastVote(cellID, userID string, allocation map[string]int,
		gracePeriod time.Duration, now time.Time) (*model.VoteResult, error)
	GetVote(cellID, userID string) (*model.Vote, error)
	FinalizeCell(cellID string, now time.Time) (*model.FinalizedCell, error)

	StartVoting(deliberationID string, groupSize int,
		tierDeadline time.Duration, now time.Time) (*model.AdvanceOutcome, error)
	TryAdvanceTier(deliberationID string, tier int, groupSize int,
		tierDeadline time.Duration, accumulationWindow time.Duration,
		now time.Time) (*model.AdvanceOutcome, error)
	StartChallengeRound(deliberationID string, p repository.ChallengeParams,
		now time.Time) (*model.ChallengeRoundResult, error)

	CreateComment(c *model.Comment) error
	GetComment(id string) (*model.Comment, error)
	UpvoteComment(commentID string, promoteStep, spreadStep int) (*model.Comment, error)
	ListLocalComments(cellID string) ([]*model.Comment, error)
	ListPromotedCandidates(cell *model.Cell) ([]*model.Comment, error)
	ListSpreadCandidates(cell *model.Cell) ([]*model.Comment, error)
	SiblingCellIDs(deliberationID string, tier int, ideaID string) ([]string, error)
}

// Cache 服务层依赖的缓存操作集合，由Redis仓库实现
type Cache interface {
	GetCellState(cellID string) (*model.CellState, bool, error)
	SetCellState(state *model.CellState) error
	DeleteCellState(cellID string) error

	GetVisibleComments(cellID string) (*model.VisibleComments, bool, error)
	SetVisibleComments(cellID string, vc *model.VisibleComments) error
	DeleteVisibleComments(cellID string) error

	TryMarkSweep(scope string, interval time.Duration) (bool, error)
	IncrCommentViews(commentID, deliberationID string) (int64, error)
}

// EventSender 引擎事件的发送端，由Kafka生产者实现
type EventSender interface {
	SendEngineEvent(event *model.EngineEvent) error
}

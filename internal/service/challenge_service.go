package service

import (
	"log"
	"time"

	"github.com/lvdashuaibi/deliberate/config"
	"github.com/lvdashuaibi/deliberate/internal/model"
	"github.com/lvdashuaibi/deliberate/internal/repository"
)

// ChallengeService 守擂模式：积累窗口结束后开启挑战轮
type ChallengeService struct {
	store  Store
	events EventSender
}

func NewChallengeService(store Store, events EventSender) *ChallengeService {
	return &ChallengeService{store: store, events: events}
}

// StartChallengeRound 开启一轮挑战。挑战者不足时延长积累窗口并返回Extended结果。
func (s *ChallengeService) StartChallengeRound(deliberationID string) (*model.ChallengeRoundResult, error) {
	cfg := config.AppConfig.Tournament
	params := repository.ChallengeParams{
		GroupSize:          cfg.GroupSize,
		TierDeadline:       cfg.TierDeadline,
		AccumulationWindow: cfg.AccumulationWindow,
		MinChallengers:     cfg.MinChallengers,
		ChallengerCellCap:  cfg.ChallengerCellCap,
		MaxBenchedRounds:   cfg.MaxBenchedRounds,
	}

	now := time.Now()
	result, err := s.store.StartChallengeRound(deliberationID, params, now)
	if err != nil {
		return nil, err
	}

	if result.Extended {
		log.Printf("审议 %s 挑战者不足，积累窗口延长: %s", deliberationID, result.ExtendReason)
		return result, nil
	}

	if s.events != nil {
		event := &model.EngineEvent{
			Type:           model.EventChallengeStarted,
			DeliberationID: deliberationID,
			Tier:           result.StartTier,
			OccurredAt:     now,
		}
		if err := s.events.SendEngineEvent(event); err != nil {
			log.Printf("发送引擎事件 %s 失败: %v", event.Type, err)
		}
	}
	return result, nil
}

package service

import (
	"log"
	"time"

	"github.com/lvdashuaibi/deliberate/config"
	"github.com/lvdashuaibi/deliberate/internal/lock"
	"github.com/lvdashuaibi/deliberate/internal/model"
)

const (
	SweeperLockName = "sweep:leader:lock"
)

// SweepService 定时扫描器：补偿性推进所有活跃审议。
// 定格超时小组、推进已完成的层级、在积累窗口到期时开启挑战轮。
// 所有底层操作都是幂等的，多实例并发扫描只会做重复的无害检查。
type SweepService struct {
	store     Store
	cache     Cache
	challenge *ChallengeService
	redlock   lock.Lock
	events    EventSender
	ticker    *time.Ticker
	stopChan  chan struct{}
	isSweeper bool // 标识该实例是否参与扫描主节点竞争
}

func NewSweepService(
	store Store,
	cache Cache,
	challenge *ChallengeService,
	distributedLock lock.Lock,
	events EventSender,
	isSweeper bool,
) *SweepService {
	return &SweepService{
		store:     store,
		cache:     cache,
		challenge: challenge,
		redlock:   distributedLock,
		events:    events,
		stopChan:  make(chan struct{}),
		isSweeper: isSweeper,
	}
}

// StartSweeper 启动扫描循环
func (s *SweepService) StartSweeper() {
	interval := config.AppConfig.Sweep.Interval
	s.ticker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-s.ticker.C:
				if s.isSweeper {
					s.sweepWithLock()
				}
			case <-s.stopChan:
				s.ticker.Stop()
				log.Println("扫描器已停止")
				return
			}
		}
	}()

	log.Printf("扫描器已启动，间隔: %v, 竞争模式: %v", interval, s.isSweeper)
}

// StopSweeper 停止扫描循环
func (s *SweepService) StopSweeper() {
	close(s.stopChan)
}

// sweepWithLock 竞争主节点锁后执行一轮扫描
func (s *SweepService) sweepWithLock() {
	acquired, err := s.redlock.AcquireLock(SweeperLockName, config.AppConfig.Sweep.LockTimeout)
	if err != nil {
		log.Printf("获取扫描器锁失败: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.redlock.ReleaseLock(SweeperLockName); err != nil {
			log.Printf("释放扫描器锁失败: %v", err)
		}
	}()

	if _, err := s.Sweep(time.Now()); err != nil {
		log.Printf("扫描失败: %v", err)
	}
}

// Sweep 对所有活跃审议执行一轮扫描，返回本轮推进的内容
func (s *SweepService) Sweep(now time.Time) (*model.SweepReport, error) {
	report := &model.SweepReport{}

	deliberations, err := s.store.ListActiveDeliberations()
	if err != nil {
		return nil, err
	}

	for _, d := range deliberations {
		// 同一审议在间隔内只扫一次，多实例下由Redis标记去重
		proceed, err := s.cache.TryMarkSweep(d.ID, config.AppConfig.Sweep.Interval)
		if err != nil {
			log.Printf("标记审议 %s 扫描状态失败: %v", d.ID, err)
		} else if !proceed {
			continue
		}

		switch d.Phase {
		case model.PhaseVoting:
			s.sweepVoting(d, now, report)
		case model.PhaseAccumulating:
			s.sweepAccumulating(d, now, report)
		}
	}

	return report, nil
}

// sweepVoting 定格超时小组，然后尝试推进层级
func (s *SweepService) sweepVoting(d *model.Deliberation, now time.Time, report *model.SweepReport) {
	overdue, err := s.store.ListOverdueCells(d.ID, now)
	if err != nil {
		log.Printf("查询审议 %s 超时小组失败: %v", d.ID, err)
		return
	}

	for _, cell := range overdue {
		fc, err := s.store.FinalizeCell(cell.ID, now)
		if err != nil {
			if model.IsRetryable(err) {
				// 另一个实例抢先定格了，下一轮扫描会看到结果
				continue
			}
			log.Printf("定格小组 %s 失败: %v", cell.ID, err)
			continue
		}
		if fc == nil {
			continue
		}

		if cerr := s.cache.DeleteCellState(cell.ID); cerr != nil {
			log.Printf("删除小组 %s 状态缓存失败: %v", cell.ID, cerr)
		}

		if fc.Finalized {
			report.FinalizedCells = append(report.FinalizedCells, fc.CellID)
			s.emit(&model.EngineEvent{
				Type:           model.EventCellFinalized,
				DeliberationID: fc.DeliberationID,
				CellID:         fc.CellID,
				Tier:           fc.Tier,
				OccurredAt:     now,
			})
		}
	}

	cfg := config.AppConfig.Tournament
	outcome, err := s.store.TryAdvanceTier(d.ID, d.CurrentTier,
		cfg.GroupSize, cfg.TierDeadline, cfg.AccumulationWindow, now)
	if err != nil {
		if !model.IsRetryable(err) {
			log.Printf("推进审议 %s 层级失败: %v", d.ID, err)
		}
		return
	}

	if outcome.ChampionDeclared {
		report.AdvancedTiers = append(report.AdvancedTiers, d.ID)
		s.emit(&model.EngineEvent{
			Type:           model.EventChampionDeclared,
			DeliberationID: d.ID,
			IdeaID:         outcome.ChampionIdeaID,
			Tier:           d.CurrentTier,
			OccurredAt:     now,
		})
	} else if outcome.Advanced {
		report.AdvancedTiers = append(report.AdvancedTiers, d.ID)
		s.emit(&model.EngineEvent{
			Type:           model.EventTierAdvanced,
			DeliberationID: d.ID,
			Tier:           outcome.NextTier,
			OccurredAt:     now,
		})
	}
}

// sweepAccumulating 积累窗口到期时开启挑战轮
func (s *SweepService) sweepAccumulating(d *model.Deliberation, now time.Time, report *model.SweepReport) {
	if d.AccumulationDeadline == nil || now.Before(*d.AccumulationDeadline) {
		return
	}

	result, err := s.challenge.StartChallengeRound(d.ID)
	if err != nil {
		if model.IsKind(err, model.ErrRoundAlreadyStarted) || model.IsRetryable(err) {
			return
		}
		log.Printf("开启审议 %s 挑战轮失败: %v", d.ID, err)
		return
	}

	if !result.Extended {
		report.StartedChallenge = append(report.StartedChallenge, d.ID)
	}
}

func (s *SweepService) emit(event *model.EngineEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.SendEngineEvent(event); err != nil {
		log.Printf("发送引擎事件 %s 失败: %v", event.Type, err)
	}
}

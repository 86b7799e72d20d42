package model

import (
	"time"
)

// DeliberationPhase 审议生命周期阶段
type DeliberationPhase string

const (
	PhaseSubmitting   DeliberationPhase = "SUBMITTING"   // 征集议题中
	PhaseVoting       DeliberationPhase = "VOTING"       // 分层淘汰投票中
	PhaseAccumulating DeliberationPhase = "ACCUMULATING" // 守擂模式，积累挑战者
	PhaseCompleted    DeliberationPhase = "COMPLETED"    // 已产生最终结果
)

// IdeaStatus 议题状态
type IdeaStatus string

const (
	IdeaPending    IdeaStatus = "PENDING"
	IdeaSubmitted  IdeaStatus = "SUBMITTED"
	IdeaInVoting   IdeaStatus = "IN_VOTING"
	IdeaAdvancing  IdeaStatus = "ADVANCING"
	IdeaEliminated IdeaStatus = "ELIMINATED"
	IdeaWinner     IdeaStatus = "WINNER"
	IdeaDefending  IdeaStatus = "DEFENDING"
)

// CellStatus 投票小组状态
type CellStatus string

const (
	CellVoting       CellStatus = "VOTING"       // 投票进行中
	CellDeliberating CellStatus = "DELIBERATING" // 全员投完，宽限期内
	CellCompleted    CellStatus = "COMPLETED"    // 已定格，结果冻结
)

// ParticipationStatus 小组成员状态
type ParticipationStatus string

const (
	ParticipationActive ParticipationStatus = "ACTIVE"
	ParticipationVoted  ParticipationStatus = "VOTED"
)

// Deliberation 一场审议（淘汰赛实例）
type Deliberation struct {
	ID             string            `json:"id"`
	CreatorID      string            `json:"creatorId"`
	Title          string            `json:"title"`
	Phase          DeliberationPhase `json:"phase"`
	CurrentTier    int               `json:"currentTier"`
	ChallengeRound int               `json:"challengeRound"`
	// 滚动挑战模式：产生冠军后进入ACCUMULATING而不是COMPLETED
	RollingMode bool `json:"rollingMode"`
	// 当前冠军议题，未产生时为空
	ChampionIdeaID string `json:"championIdeaId,omitempty"`
	// 挑战积累窗口的截止时间，仅ACCUMULATING阶段有效
	AccumulationDeadline *time.Time `json:"accumulationDeadline,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Idea 议题
type Idea struct {
	ID             string     `json:"id"`
	DeliberationID string     `json:"deliberationId"`
	AuthorID       string     `json:"authorId"`
	Text           string     `json:"text"`
	Status         IdeaStatus `json:"status"`
	// 当前所在层级
	Tier int `json:"tier"`
	// 当前小组内累积的票权（每层重置）
	VoteWeight int `json:"voteWeight"`
	// 冠军标记与守擂轮数
	IsChampion     bool `json:"isChampion"`
	DefendedRounds int  `json:"defendedRounds"`
	// 新提交标记（尚未进入任何一轮）
	IsNew bool `json:"isNew"`
	// 挑战轮容量规则下被搁置的次数
	BenchedRounds int       `json:"benchedRounds"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Cell 投票小组
type Cell struct {
	ID             string     `json:"id"`
	DeliberationID string     `json:"deliberationId"`
	Tier           int        `json:"tier"`
	BatchIndex     int        `json:"batchIndex"`
	Status         CellStatus `json:"status"`
	VotingDeadline time.Time  `json:"votingDeadline"`
	// 宽限期定格时间，全员投完前为空，只允许写入一次
	FinalizeAt *time.Time `json:"finalizeAt,omitempty"`
	// 创建时固定的议题集合，完成后不再变化
	IdeaIDs   []string  `json:"ideaIds"`
	CreatedAt time.Time `json:"createdAt"`
}

// Participation 用户在某个小组中的成员关系
type Participation struct {
	ID             string              `json:"id"`
	DeliberationID string              `json:"deliberationId"`
	CellID         string              `json:"cellId"`
	UserID         string              `json:"userId"`
	Tier           int                 `json:"tier"`
	Status         ParticipationStatus `json:"status"`
	VotedAt        *time.Time          `json:"votedAt,omitempty"`
}

// Vote 用户在小组内的当前选择，(cellId, userId)唯一
type Vote struct {
	CellID string `json:"cellId"`
	UserID string `json:"userId"`
	// 主选议题
	IdeaID string `json:"ideaId"`
	// 权重分配，键为议题ID；未加权时为主选议题独占全部预算
	Allocation map[string]int `json:"allocation"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Comment 小组讨论评论
type Comment struct {
	ID             string `json:"id"`
	DeliberationID string `json:"deliberationId"`
	// 评论产生时所在的小组与层级
	CellID string `json:"cellId"`
	Tier   int    `json:"tier"`
	// 关联议题，仅关联议题的评论参与向上传粉
	IdeaID   string `json:"ideaId,omitempty"`
	AuthorID string `json:"authorId"`
	Body     string `json:"body"`
	Upvotes  int    `json:"upvotes"`
	// 同层病毒式扩散名额，由点赞数推导
	SpreadCount int `json:"spreadCount"`
	// 已晋升到的最高可见层级
	ReachTier int       `json:"reachTier"`
	CreatedAt time.Time `json:"createdAt"`
}

// VoteResult 投票写入的结果
type VoteResult struct {
	Vote *Vote `json:"vote"`
	// 是否因这次写入达到全员已投
	AllVoted bool `json:"allVoted"`
	// 若达到全员已投，本次写入设置的定格时间
	FinalizeAt *time.Time `json:"finalizeAt,omitempty"`
}

// CellState 对外暴露的小组状态，定格前票数不可见
type CellState struct {
	Cell *Cell `json:"cell"`
	// 已投人数 / 活跃成员数
	VotedCount       int `json:"votedCount"`
	ParticipantCount int `json:"participantCount"`
	// 各议题票数，仅COMPLETED时填充
	Tallies map[string]int `json:"tallies,omitempty"`
	// 定格后的晋级议题
	AdvancingIdeaIDs []string `json:"advancingIdeaIds,omitempty"`
}

// DeliberationProgress 审议进度快照：当前层级的小组与各状态议题
type DeliberationProgress struct {
	Deliberation *Deliberation `json:"deliberation"`
	// 当前层级的小组，尚未开始投票时为空
	Cells []*Cell `json:"cells"`
	// 仍在赛程中的议题（投票中、已晋级或在位守擂）
	ActiveIdeas []*Idea `json:"activeIdeas"`
	// 等待下一轮的议题（征集中或候场挑战者）
	PendingIdeas []*Idea `json:"pendingIdeas"`
}

// VisibleComments 向上传粉计算结果
type VisibleComments struct {
	Local    []*Comment `json:"local"`
	Promoted []*Comment `json:"promoted"`
}

// AdvanceOutcome 层级推进的结果
type AdvanceOutcome struct {
	Advanced         bool   `json:"advanced"`
	ChampionDeclared bool   `json:"championDeclared"`
	ChampionIdeaID   string `json:"championIdeaId,omitempty"`
	NextTier         int    `json:"nextTier,omitempty"`
	NewCellCount     int    `json:"newCellCount,omitempty"`
}

// ChallengeRoundResult 开启挑战轮的结果
type ChallengeRoundResult struct {
	ChallengeRound int `json:"challengeRound"`
	StartTier      int `json:"startTier"`
	// 进入本轮的挑战者
	Challengers []string `json:"challengers"`
	// 容量规则下被退役/搁置的议题
	Retired []string `json:"retired"`
	Benched []string `json:"benched"`
	// 挑战者不足时延长积累窗口而不开轮
	Extended     bool   `json:"extended"`
	ExtendReason string `json:"extendReason,omitempty"`
}

// FinalizedCell 定格完成的小组结果
type FinalizedCell struct {
	CellID         string         `json:"cellId"`
	DeliberationID string         `json:"deliberationId"`
	Tier           int            `json:"tier"`
	Tallies        map[string]int `json:"tallies"`
	Winners        []string       `json:"winners"`
	// 本次调用是否真正执行了定格（重放时为false）
	Finalized bool `json:"finalized"`
}

// SweepReport 一次扫描推进的内容
type SweepReport struct {
	FinalizedCells   []string `json:"finalizedCells"`
	AdvancedTiers    []string `json:"advancedTiers"`
	StartedChallenge []string `json:"startedChallenge"`
}

// EngineEvent 引擎事件，事务提交后投递到Kafka异步消费
type EngineEvent struct {
	Type           EventType `json:"type"`
	DeliberationID string    `json:"deliberationId"`
	CellID         string    `json:"cellId,omitempty"`
	IdeaID         string    `json:"ideaId,omitempty"`
	CommentID      string    `json:"commentId,omitempty"`
	UserIDs        []string  `json:"userIds,omitempty"`
	Tier           int       `json:"tier,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// EventType 引擎事件类型
type EventType string

const (
	EventCellFinalized    EventType = "CELL_FINALIZED"
	EventTierAdvanced     EventType = "TIER_ADVANCED"
	EventChampionDeclared EventType = "CHAMPION_DECLARED"
	EventChallengeStarted EventType = "CHALLENGE_STARTED"
	EventCommentViewed    EventType = "COMMENT_VIEWED"
)

package graph

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/deliberate/config"
	"github.com/lvdashuaibi/deliberate/internal/model"
	"github.com/lvdashuaibi/deliberate/internal/service"
)

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
}

// 读取GraphQL Schema定义
const schemaString = `
type Deliberation {
  id: ID!
  creatorId: String!
  title: String!
  phase: String!
  currentTier: Int!
  challengeRound: Int!
  rollingMode: Boolean!
  championIdeaId: String
  accumulationDeadline: String
  createdAt: String!
}

type Idea {
  id: ID!
  deliberationId: String!
  authorId: String!
  text: String!
  status: String!
  tier: Int!
  voteWeight: Int!
  isChampion: Boolean!
  defendedRounds: Int!
  createdAt: String!
}

type Cell {
  id: ID!
  deliberationId: String!
  tier: Int!
  status: String!
  votingDeadline: String!
  finalizeAt: String
  ideaIds: [String!]!
}

type IdeaTally {
  ideaId: String!
  weight: Int!
}

type CellState {
  cell: Cell!
  votedCount: Int!
  participantCount: Int!
  tallies: [IdeaTally!]
  advancingIdeaIds: [String!]
}

type Vote {
  cellId: String!
  userId: String!
  ideaId: String!
  allocation: [IdeaTally!]!
  updatedAt: String!
}

type VoteResult {
  vote: Vote!
  allVoted: Boolean!
  finalizeAt: String
}

type Comment {
  id: ID!
  deliberationId: String!
  cellId: String!
  tier: Int!
  ideaId: String
  authorId: String!
  body: String!
  upvotes: Int!
  spreadCount: Int!
  reachTier: Int!
  createdAt: String!
}

type VisibleComments {
  local: [Comment!]!
  promoted: [Comment!]!
}

type DeliberationProgress {
  deliberation: Deliberation!
  cells: [Cell!]!
  activeIdeas: [Idea!]!
  pendingIdeas: [Idea!]!
}

type AdvanceOutcome {
  advanced: Boolean!
  championDeclared: Boolean!
  championIdeaId: String
  nextTier: Int!
  newCellCount: Int!
}

type ChallengeRoundResult {
  challengeRound: Int!
  startTier: Int!
  challengers: [String!]!
  retired: [String!]!
  benched: [String!]!
  extended: Boolean!
  extendReason: String
}

type SweepReport {
  finalizedCells: [String!]!
  advancedTiers: [String!]!
  startedChallenge: [String!]!
}

input WeightInput {
  ideaId: String!
  weight: Int!
}

type Query {
  # 查询审议
  deliberation(id: ID!): Deliberation!

  # 查询议题
  idea(id: ID!): Idea!

  # 查询审议进度：当前层级小组与各状态议题
  progress(deliberationId: ID!): DeliberationProgress!

  # 查询小组状态，定格前票数不可见
  cellState(cellId: ID!): CellState!

  # 查询小组当前可见的评论集合
  visibleComments(cellId: ID!): VisibleComments!

  # 查询用户在小组内的当前选择
  vote(cellId: ID!, userId: String!): Vote!
}

type Mutation {
  # 创建审议
  createDeliberation(creatorId: String!, title: String!, rollingMode: Boolean!): Deliberation!

  # 提交议题
  submitIdea(deliberationId: ID!, authorId: String!, text: String!): Idea!

  # 结束征集并进入首层投票
  startVoting(deliberationId: ID!): AdvanceOutcome!

  # 投票或修改投票；不传allocation时全部预算给ideaId
  castVote(cellId: ID!, userId: String!, ideaId: String, allocation: [WeightInput!]): VoteResult!

  # 发表评论
  addComment(cellId: ID!, authorId: String!, ideaId: String, body: String!): Comment!

  # 点赞评论
  upvoteComment(commentId: ID!): Comment!

  # 记录评论浏览
  viewComment(commentId: ID!): Int!

  # 手动开启挑战轮
  startChallengeRound(deliberationId: ID!): ChallengeRoundResult!

  # 手动触发一轮扫描
  sweep: SweepReport!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(
	deliberationService *service.DeliberationService,
	voteService *service.VoteService,
	commentService *service.CommentService,
	challengeService *service.ChallengeService,
	sweepService *service.SweepService,
) *GraphQLServer {
	resolver := &Resolver{
		deliberationService: deliberationService,
		voteService:         voteService,
		commentService:      commentService,
		challengeService:    challengeService,
		sweepService:        sweepService,
	}

	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	handler := &relay.Handler{Schema: schema}

	return &GraphQLServer{
		schema:   schema,
		handler:  handler,
		resolver: resolver,
	}
}

// Start 启动GraphQL服务器
func (s *GraphQLServer) Start(port int) error {
	mux := http.NewServeMux()

	mux.Handle(config.AppConfig.GraphQL.Path, s.handler)

	// 设置GraphQL Playground
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(playgroundHTML))
	})

	addr := fmt.Sprintf(":%d", port)
	log.Printf("GraphQL服务已启动，API端点: %s, Playground: http://localhost%s/",
		config.AppConfig.GraphQL.Path, addr)

	return http.ListenAndServe(addr, mux)
}

// Resolver GraphQL解析器
type Resolver struct {
	deliberationService *service.DeliberationService
	voteService         *service.VoteService
	commentService      *service.CommentService
	challengeService    *service.ChallengeService
	sweepService        *service.SweepService
}

// Deliberation 查询审议
func (r *Resolver) Deliberation(ctx context.Context, args struct{ ID graphql.ID }) (*DeliberationResolver, error) {
	d, err := r.deliberationService.GetDeliberation(string(args.ID))
	if err != nil {
		return nil, err
	}
	return &DeliberationResolver{d: d}, nil
}

// Idea 查询议题
func (r *Resolver) Idea(ctx context.Context, args struct{ ID graphql.ID }) (*IdeaResolver, error) {
	idea, err := r.deliberationService.GetIdea(string(args.ID))
	if err != nil {
		return nil, err
	}
	return &IdeaResolver{idea: idea}, nil
}

// Progress 查询审议进度
func (r *Resolver) Progress(ctx context.Context, args struct{ DeliberationID graphql.ID }) (*DeliberationProgressResolver, error) {
	progress, err := r.deliberationService.Progress(string(args.DeliberationID))
	if err != nil {
		return nil, err
	}
	return &DeliberationProgressResolver{progress: progress}, nil
}

// CellState 查询小组状态
func (r *Resolver) CellState(ctx context.Context, args struct{ CellID graphql.ID }) (*CellStateResolver, error) {
	state, err := r.voteService.GetCellState(string(args.CellID))
	if err != nil {
		return nil, err
	}
	return &CellStateResolver{state: state}, nil
}

// VisibleComments 查询小组当前可见的评论集合
func (r *Resolver) VisibleComments(ctx context.Context, args struct{ CellID graphql.ID }) (*VisibleCommentsResolver, error) {
	vc, err := r.commentService.VisibleComments(string(args.CellID))
	if err != nil {
		return nil, err
	}
	return &VisibleCommentsResolver{vc: vc}, nil
}

// Vote 查询用户当前选择
func (r *Resolver) Vote(ctx context.Context, args struct {
	CellID graphql.ID
	UserID string
}) (*VoteResolver, error) {
	v, err := r.voteService.GetVote(string(args.CellID), args.UserID)
	if err != nil {
		return nil, err
	}
	return &VoteResolver{vote: v}, nil
}

// CreateDeliberation 创建审议
func (r *Resolver) CreateDeliberation(ctx context.Context, args struct {
	CreatorID   string
	Title       string
	RollingMode bool
}) (*DeliberationResolver, error) {
	d, err := r.deliberationService.CreateDeliberation(args.CreatorID, args.Title, args.RollingMode)
	if err != nil {
		return nil, err
	}
	return &DeliberationResolver{d: d}, nil
}

// SubmitIdea 提交议题
func (r *Resolver) SubmitIdea(ctx context.Context, args struct {
	DeliberationID graphql.ID
	AuthorID       string
	Text           string
}) (*IdeaResolver, error) {
	idea, err := r.deliberationService.SubmitIdea(string(args.DeliberationID), args.AuthorID, args.Text)
	if err != nil {
		return nil, err
	}
	return &IdeaResolver{idea: idea}, nil
}

// StartVoting 结束征集并进入首层投票
func (r *Resolver) StartVoting(ctx context.Context, args struct{ DeliberationID graphql.ID }) (*AdvanceOutcomeResolver, error) {
	outcome, err := r.deliberationService.StartVoting(string(args.DeliberationID))
	if err != nil {
		return nil, err
	}
	return &AdvanceOutcomeResolver{outcome: outcome}, nil
}

// CastVote 投票或修改投票
func (r *Resolver) CastVote(ctx context.Context, args struct {
	CellID     graphql.ID
	UserID     string
	IdeaID     *string
	Allocation *[]WeightInput
}) (*VoteResultResolver, error) {
	ideaID := ""
	if args.IdeaID != nil {
		ideaID = *args.IdeaID
	}

	var allocation map[string]int
	if args.Allocation != nil && len(*args.Allocation) > 0 {
		allocation = make(map[string]int, len(*args.Allocation))
		for _, w := range *args.Allocation {
			allocation[w.IdeaID] += int(w.Weight)
		}
	}

	result, err := r.voteService.CastVote(string(args.CellID), args.UserID, ideaID, allocation)
	if err != nil {
		return nil, err
	}
	return &VoteResultResolver{result: result}, nil
}

// AddComment 发表评论
func (r *Resolver) AddComment(ctx context.Context, args struct {
	CellID   graphql.ID
	AuthorID string
	IdeaID   *string
	Body     string
}) (*CommentResolver, error) {
	ideaID := ""
	if args.IdeaID != nil {
		ideaID = *args.IdeaID
	}

	comment, err := r.commentService.AddComment(string(args.CellID), args.AuthorID, ideaID, args.Body)
	if err != nil {
		return nil, err
	}
	return &CommentResolver{comment: comment}, nil
}

// UpvoteComment 点赞评论
func (r *Resolver) UpvoteComment(ctx context.Context, args struct{ CommentID graphql.ID }) (*CommentResolver, error) {
	comment, err := r.commentService.UpvoteComment(string(args.CommentID))
	if err != nil {
		return nil, err
	}
	return &CommentResolver{comment: comment}, nil
}

// ViewComment 记录评论浏览，返回累计浏览次数
func (r *Resolver) ViewComment(ctx context.Context, args struct{ CommentID graphql.ID }) (int32, error) {
	views, err := r.commentService.ViewComment(string(args.CommentID))
	if err != nil {
		return 0, err
	}
	return int32(views), nil
}

// StartChallengeRound 手动开启挑战轮
func (r *Resolver) StartChallengeRound(ctx context.Context, args struct{ DeliberationID graphql.ID }) (*ChallengeRoundResolver, error) {
	result, err := r.challengeService.StartChallengeRound(string(args.DeliberationID))
	if err != nil {
		return nil, err
	}
	return &ChallengeRoundResolver{result: result}, nil
}

// Sweep 手动触发一轮扫描
func (r *Resolver) Sweep(ctx context.Context) (*SweepReportResolver, error) {
	report, err := r.sweepService.Sweep(time.Now())
	if err != nil {
		return nil, err
	}
	return &SweepReportResolver{report: report}, nil
}

// WeightInput 权重分配输入
type WeightInput struct {
	IdeaID string
	Weight int32
}

// DeliberationResolver 审议解析器
type DeliberationResolver struct {
	d *model.Deliberation
}

func (r *DeliberationResolver) ID() graphql.ID { return graphql.ID(r.d.ID) }

func (r *DeliberationResolver) CreatorID() string { return r.d.CreatorID }

func (r *DeliberationResolver) Title() string { return r.d.Title }

func (r *DeliberationResolver) Phase() string { return string(r.d.Phase) }

func (r *DeliberationResolver) CurrentTier() int32 { return int32(r.d.CurrentTier) }

func (r *DeliberationResolver) ChallengeRound() int32 { return int32(r.d.ChallengeRound) }

func (r *DeliberationResolver) RollingMode() bool { return r.d.RollingMode }

func (r *DeliberationResolver) ChampionIdeaID() *string {
	if r.d.ChampionIdeaID == "" {
		return nil
	}
	id := r.d.ChampionIdeaID
	return &id
}

func (r *DeliberationResolver) AccumulationDeadline() *string {
	if r.d.AccumulationDeadline == nil {
		return nil
	}
	s := r.d.AccumulationDeadline.Format(time.RFC3339)
	return &s
}

func (r *DeliberationResolver) CreatedAt() string { return r.d.CreatedAt.Format(time.RFC3339) }

// IdeaResolver 议题解析器
type IdeaResolver struct {
	idea *model.Idea
}

func (r *IdeaResolver) ID() graphql.ID { return graphql.ID(r.idea.ID) }

func (r *IdeaResolver) DeliberationID() string { return r.idea.DeliberationID }

func (r *IdeaResolver) AuthorID() string { return r.idea.AuthorID }

func (r *IdeaResolver) Text() string { return r.idea.Text }

func (r *IdeaResolver) Status() string { return string(r.idea.Status) }

func (r *IdeaResolver) Tier() int32 { return int32(r.idea.Tier) }

func (r *IdeaResolver) VoteWeight() int32 { return int32(r.idea.VoteWeight) }

func (r *IdeaResolver) IsChampion() bool { return r.idea.IsChampion }

func (r *IdeaResolver) DefendedRounds() int32 { return int32(r.idea.DefendedRounds) }

func (r *IdeaResolver) CreatedAt() string { return r.idea.CreatedAt.Format(time.RFC3339) }

// CellResolver 小组解析器
type CellResolver struct {
	cell *model.Cell
}

func (r *CellResolver) ID() graphql.ID { return graphql.ID(r.cell.ID) }

func (r *CellResolver) DeliberationID() string { return r.cell.DeliberationID }

func (r *CellResolver) Tier() int32 { return int32(r.cell.Tier) }

func (r *CellResolver) Status() string { return string(r.cell.Status) }

func (r *CellResolver) VotingDeadline() string { return r.cell.VotingDeadline.Format(time.RFC3339) }

func (r *CellResolver) FinalizeAt() *string {
	if r.cell.FinalizeAt == nil {
		return nil
	}
	s := r.cell.FinalizeAt.Format(time.RFC3339)
	return &s
}

func (r *CellResolver) IdeaIDs() []string { return r.cell.IdeaIDs }

// IdeaTallyResolver 议题票数解析器
type IdeaTallyResolver struct {
	ideaID string
	weight int
}

func (r *IdeaTallyResolver) IdeaID() string { return r.ideaID }

func (r *IdeaTallyResolver) Weight() int32 { return int32(r.weight) }

// tallyResolvers 把票数表转成稳定排序的解析器列表
func tallyResolvers(tallies map[string]int) []*IdeaTallyResolver {
	ids := make([]string, 0, len(tallies))
	for id := range tallies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	resolvers := make([]*IdeaTallyResolver, 0, len(ids))
	for _, id := range ids {
		resolvers = append(resolvers, &IdeaTallyResolver{ideaID: id, weight: tallies[id]})
	}
	return resolvers
}

// CellStateResolver 小组状态解析器
type CellStateResolver struct {
	state *model.CellState
}

func (r *CellStateResolver) Cell() *CellResolver { return &CellResolver{cell: r.state.Cell} }

func (r *CellStateResolver) VotedCount() int32 { return int32(r.state.VotedCount) }

func (r *CellStateResolver) ParticipantCount() int32 { return int32(r.state.ParticipantCount) }

func (r *CellStateResolver) Tallies() *[]*IdeaTallyResolver {
	if r.state.Tallies == nil {
		return nil
	}
	resolvers := tallyResolvers(r.state.Tallies)
	return &resolvers
}

func (r *CellStateResolver) AdvancingIdeaIDs() *[]string {
	if r.state.AdvancingIdeaIDs == nil {
		return nil
	}
	ids := r.state.AdvancingIdeaIDs
	return &ids
}

// VoteResolver 选票解析器
type VoteResolver struct {
	vote *model.Vote
}

func (r *VoteResolver) CellID() string { return r.vote.CellID }

func (r *VoteResolver) UserID() string { return r.vote.UserID }

func (r *VoteResolver) IdeaID() string { return r.vote.IdeaID }

func (r *VoteResolver) Allocation() []*IdeaTallyResolver { return tallyResolvers(r.vote.Allocation) }

func (r *VoteResolver) UpdatedAt() string { return r.vote.UpdatedAt.Format(time.RFC3339) }

// VoteResultResolver 投票结果解析器
type VoteResultResolver struct {
	result *model.VoteResult
}

func (r *VoteResultResolver) Vote() *VoteResolver { return &VoteResolver{vote: r.result.Vote} }

func (r *VoteResultResolver) AllVoted() bool { return r.result.AllVoted }

func (r *VoteResultResolver) FinalizeAt() *string {
	if r.result.FinalizeAt == nil {
		return nil
	}
	s := r.result.FinalizeAt.Format(time.RFC3339)
	return &s
}

// CommentResolver 评论解析器
type CommentResolver struct {
	comment *model.Comment
}

func (r *CommentResolver) ID() graphql.ID { return graphql.ID(r.comment.ID) }

func (r *CommentResolver) DeliberationID() string { return r.comment.DeliberationID }

func (r *CommentResolver) CellID() string { return r.comment.CellID }

func (r *CommentResolver) Tier() int32 { return int32(r.comment.Tier) }

func (r *CommentResolver) IdeaID() *string {
	if r.comment.IdeaID == "" {
		return nil
	}
	id := r.comment.IdeaID
	return &id
}

func (r *CommentResolver) AuthorID() string { return r.comment.AuthorID }

func (r *CommentResolver) Body() string { return r.comment.Body }

func (r *CommentResolver) Upvotes() int32 { return int32(r.comment.Upvotes) }

func (r *CommentResolver) SpreadCount() int32 { return int32(r.comment.SpreadCount) }

func (r *CommentResolver) ReachTier() int32 { return int32(r.comment.ReachTier) }

func (r *CommentResolver) CreatedAt() string { return r.comment.CreatedAt.Format(time.RFC3339) }

// DeliberationProgressResolver 审议进度解析器
type DeliberationProgressResolver struct {
	progress *model.DeliberationProgress
}

func (r *DeliberationProgressResolver) Deliberation() *DeliberationResolver {
	return &DeliberationResolver{d: r.progress.Deliberation}
}

func (r *DeliberationProgressResolver) Cells() []*CellResolver {
	resolvers := make([]*CellResolver, 0, len(r.progress.Cells))
	for _, c := range r.progress.Cells {
		resolvers = append(resolvers, &CellResolver{cell: c})
	}
	return resolvers
}

func (r *DeliberationProgressResolver) ActiveIdeas() []*IdeaResolver {
	return ideaResolvers(r.progress.ActiveIdeas)
}

func (r *DeliberationProgressResolver) PendingIdeas() []*IdeaResolver {
	return ideaResolvers(r.progress.PendingIdeas)
}

func ideaResolvers(ideas []*model.Idea) []*IdeaResolver {
	resolvers := make([]*IdeaResolver, 0, len(ideas))
	for _, idea := range ideas {
		resolvers = append(resolvers, &IdeaResolver{idea: idea})
	}
	return resolvers
}

// VisibleCommentsResolver 可见评论解析器
type VisibleCommentsResolver struct {
	vc *model.VisibleComments
}

func (r *VisibleCommentsResolver) Local() []*CommentResolver {
	resolvers := make([]*CommentResolver, 0, len(r.vc.Local))
	for _, c := range r.vc.Local {
		resolvers = append(resolvers, &CommentResolver{comment: c})
	}
	return resolvers
}

func (r *VisibleCommentsResolver) Promoted() []*CommentResolver {
	resolvers := make([]*CommentResolver, 0, len(r.vc.Promoted))
	for _, c := range r.vc.Promoted {
		resolvers = append(resolvers, &CommentResolver{comment: c})
	}
	return resolvers
}

// AdvanceOutcomeResolver 层级推进结果解析器
type AdvanceOutcomeResolver struct {
	outcome *model.AdvanceOutcome
}

func (r *AdvanceOutcomeResolver) Advanced() bool { return r.outcome.Advanced }

func (r *AdvanceOutcomeResolver) ChampionDeclared() bool { return r.outcome.ChampionDeclared }

func (r *AdvanceOutcomeResolver) ChampionIdeaID() *string {
	if r.outcome.ChampionIdeaID == "" {
		return nil
	}
	id := r.outcome.ChampionIdeaID
	return &id
}

func (r *AdvanceOutcomeResolver) NextTier() int32 { return int32(r.outcome.NextTier) }

func (r *AdvanceOutcomeResolver) NewCellCount() int32 { return int32(r.outcome.NewCellCount) }

// ChallengeRoundResolver 挑战轮结果解析器
type ChallengeRoundResolver struct {
	result *model.ChallengeRoundResult
}

func (r *ChallengeRoundResolver) ChallengeRound() int32 { return int32(r.result.ChallengeRound) }

func (r *ChallengeRoundResolver) StartTier() int32 { return int32(r.result.StartTier) }

func (r *ChallengeRoundResolver) Challengers() []string { return emptyIfNil(r.result.Challengers) }

func (r *ChallengeRoundResolver) Retired() []string { return emptyIfNil(r.result.Retired) }

func (r *ChallengeRoundResolver) Benched() []string { return emptyIfNil(r.result.Benched) }

func (r *ChallengeRoundResolver) Extended() bool { return r.result.Extended }

func (r *ChallengeRoundResolver) ExtendReason() *string {
	if r.result.ExtendReason == "" {
		return nil
	}
	reason := r.result.ExtendReason
	return &reason
}

// SweepReportResolver 扫描结果解析器
type SweepReportResolver struct {
	report *model.SweepReport
}

func (r *SweepReportResolver) FinalizedCells() []string { return emptyIfNil(r.report.FinalizedCells) }

func (r *SweepReportResolver) AdvancedTiers() []string { return emptyIfNil(r.report.AdvancedTiers) }

func (r *SweepReportResolver) StartedChallenge() []string {
	return emptyIfNil(r.report.StartedChallenge)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Deliberate GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root">
    <style>
      body {
        background-color: rgb(23, 42, 58);
        font-family: Open Sans, sans-serif;
        height: 90vh;
      }
      #root {
        height: 100%;
        width: 100%;
        display: flex;
        align-items: center;
        justify-content: center;
      }
      .loading {
        font-size: 32px;
        font-weight: 200;
        color: rgba(255, 255, 255, .6);
        margin-left: 20px;
      }
      img {
        width: 78px;
        height: 78px;
      }
      .title {
        font-weight: 400;
      }
    </style>
    <img src='https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/logo.png' alt=''>
    <div class="loading">
      <span class="title">Deliberate GraphQL Playground</span>
    </div>
  </div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '/graphql'
      })
    })</script>
</body>
</html>
`

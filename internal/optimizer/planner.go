package optimizer

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/datatypes"

	"github.com/utrading/utrading-roster-optimizer/internal/allocation"
	"github.com/utrading/utrading-roster-optimizer/internal/models"
	"github.com/utrading/utrading-roster-optimizer/internal/roster"
	"github.com/utrading/utrading-roster-optimizer/internal/scoring"
)

// Replacement 一次替换
type Replacement struct {
	In  string `json:"in"`
	Out string `json:"out"`
}

// Plan 一次运行在名册快照上产生的结果
type Plan struct {
	CandidatesFound int                     `json:"candidates_found"`
	Promoted        []string                `json:"promoted"`
	Replaced        []Replacement           `json:"replaced"`
	Graduated       []string                `json:"graduated"`
	Demoted         []string                `json:"demoted"`
	Allocations     []allocation.Preview    `json:"allocations"`
	Audit           *models.AllocationAudit `json:"-"`

	touched map[string]bool
}

// WalletsPromoted 本轮新进入 active 层的钱包数
func (p *Plan) WalletsPromoted() int {
	return len(p.Promoted) + len(p.Replaced)
}

func (p *Plan) touch(addrs ...string) {
	for _, a := range addrs {
		p.touched[a] = true
	}
}

type candidate struct {
	addr     string
	external bool
	result   scoring.Result
}

// Planner 纯计算，只修改传入的名册快照
type Planner struct {
	cfg    Config
	scorer *scoring.Scorer
	recalc *allocation.Recalculator
}

func NewPlanner(cfg Config) *Planner {
	return &Planner{
		cfg:    cfg,
		scorer: scoring.NewScorer(cfg.Scoring),
		recalc: allocation.NewRecalculator(cfg.Allocation),
	}
}

// Score 对名册钱包与外部候选统一评分，并把结果写回名册快照
func (p *Planner) Score(wc *WorkspaceContext) []scoring.Result {
	results := p.scorePool(wc.Metrics, wc.Now)
	wc.Scores = make(map[string]scoring.Result, len(results))
	for _, res := range results {
		wc.Scores[res.Address] = res
		wc.Roster.SetScore(res.Address, res.Score, res.Confidence, wc.Metrics[res.Address].ConsecutiveLosses)
	}
	return results
}

// scorePool 以整个池计算归一化区间并评分
func (p *Planner) scorePool(metrics map[string]*models.WalletMetrics, now time.Time) []scoring.Result {
	pool := make([]*models.WalletMetrics, 0, len(metrics))
	for addr, m := range metrics {
		if m == nil {
			continue
		}
		m.Address = addr
		pool = append(pool, m)
	}
	return p.scorer.ScoreAll(pool, now)
}

// Plan 依次执行生命周期规则、补位、替换和分配重算
func (p *Planner) Plan(wc *WorkspaceContext) (*Plan, error) {
	plan := &Plan{touched: make(map[string]bool)}

	if err := p.lifecycle(wc, plan); err != nil {
		return nil, err
	}

	cands := p.candidates(wc, plan)
	plan.CandidatesFound = len(cands)

	rest, err := p.fill(wc, cands, plan)
	if err != nil {
		return nil, err
	}
	if err = p.replace(wc, rest, plan); err != nil {
		return nil, err
	}
	if err = p.allocate(wc, plan); err != nil {
		return nil, err
	}
	return plan, wc.Roster.Check()
}

// lifecycle 试用期、宽限期规则，固定钱包不做自动降级
func (p *Planner) lifecycle(wc *WorkspaceContext, plan *Plan) error {
	criteria := wc.Criteria()

	for _, w := range wc.Roster.ByTier(models.TierActive) {
		addr := w.WalletAddress
		losses := w.ConsecutiveLoss
		cause := func(reason string) roster.Cause {
			return roster.Auto(wc.PassID, reason, p.evidence(wc, addr))
		}

		var (
			err   error
			acted = true
		)
		switch w.Status {
		case models.StatusProbation:
			m := wc.Metrics[addr]
			switch {
			case m == nil:
				acted = false
			case !criteria.Accepts(m):
				if w.Pinned {
					acted = false
					break
				}
				err = wc.Roster.FailProbation(addr, cause("metrics below optimizer criteria during probation"))
				plan.Demoted = append(plan.Demoted, addr)
			case w.ProbationUntil != nil && !wc.Now.Before(*w.ProbationUntil):
				err = wc.Roster.Graduate(addr, cause("criteria held through probation window"))
				plan.Graduated = append(plan.Graduated, addr)
			default:
				acted = false
			}

		case models.StatusActive:
			switch {
			case w.Pinned:
				acted = false
			case losses >= p.cfg.EmergencyLossThreshold:
				// 连败已达紧急阈值的 active 钱包不经过宽限期，直接 emergency_demote 回 bench
				err = wc.Roster.DemoteFromGrace(addr, true, cause(fmt.Sprintf("%d consecutive losses", losses)))
				plan.Demoted = append(plan.Demoted, addr)
			case losses >= p.cfg.LossThreshold:
				err = wc.Roster.StartGracePeriod(addr, cause(fmt.Sprintf("%d consecutive losses", losses)))
			default:
				acted = false
			}

		case models.StatusGracePeriod:
			switch {
			case losses >= p.cfg.EmergencyLossThreshold && !w.Pinned:
				err = wc.Roster.DemoteFromGrace(addr, true, cause(fmt.Sprintf("losses continued in grace period: %d", losses)))
				plan.Demoted = append(plan.Demoted, addr)
			case losses < p.cfg.LossThreshold:
				err = wc.Roster.RecoverFromGrace(addr, cause("recovered within grace window"))
			case w.GracePeriodUntil != nil && !wc.Now.Before(*w.GracePeriodUntil) && !w.Pinned:
				err = wc.Roster.DemoteFromGrace(addr, false, cause("grace window expired without recovery"))
				plan.Demoted = append(plan.Demoted, addr)
			default:
				acted = false
			}

		case models.StatusBench:
			acted = false
		}
		if err != nil {
			return fmt.Errorf("lifecycle %s: %w", addr, err)
		}
		if acted {
			plan.touch(addr)
		}
	}
	return nil
}

// candidates 满足准入门槛的 bench 钱包与外部候选，按有效分降序
// 固定的 bench 钱包和本轮已变更的钱包不参与
func (p *Planner) candidates(wc *WorkspaceContext, plan *Plan) []candidate {
	criteria := wc.Criteria()
	eligible := func(addr string) (scoring.Result, bool) {
		m := wc.Metrics[addr]
		if m == nil || !criteria.Accepts(m) {
			return scoring.Result{}, false
		}
		res, ok := wc.Scores[addr]
		return res, ok
	}

	var out []candidate
	for _, w := range wc.Roster.ByTier(models.TierBench) {
		if w.Pinned || plan.touched[w.WalletAddress] {
			continue
		}
		if res, ok := eligible(w.WalletAddress); ok {
			out = append(out, candidate{addr: w.WalletAddress, result: res})
		}
	}

	seen := make(map[string]bool, len(wc.Candidates))
	for _, addr := range wc.Candidates {
		if seen[addr] || wc.Roster.IsBanned(addr) {
			continue
		}
		seen[addr] = true
		if _, onRoster := wc.Roster.Get(addr); onRoster {
			continue
		}
		if res, ok := eligible(addr); ok {
			out = append(out, candidate{addr: addr, external: true, result: res})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := out[i].result.Effective(), out[j].result.Effective()
		if ei != ej {
			return ei > ej
		}
		return out[i].addr < out[j].addr
	})
	return out
}

// fill 有空位时按排序把候选放入试用期，返回未安置的候选
func (p *Planner) fill(wc *WorkspaceContext, cands []candidate, plan *Plan) ([]candidate, error) {
	var rest []candidate
	for _, c := range cands {
		if wc.Roster.FreeSlots() == 0 {
			rest = append(rest, c)
			continue
		}
		if err := p.admit(wc, c); err != nil {
			return nil, err
		}
		if err := wc.Roster.StartProbation(c.addr, roster.Auto(wc.PassID, "promoted into free active slot", c.result)); err != nil {
			return nil, fmt.Errorf("promote %s: %w", c.addr, err)
		}
		plan.Promoted = append(plan.Promoted, c.addr)
		plan.touch(c.addr)
	}
	return rest, nil
}

// replace 名册已满时，候选有效分超过最弱的未固定 active 钱包 replace_margin 才替换
func (p *Planner) replace(wc *WorkspaceContext, cands []candidate, plan *Plan) error {
	for _, c := range cands {
		out, outScore, ok := p.weakest(wc, plan)
		if !ok {
			return nil
		}
		// 候选降序、最弱者升序，一旦不满足后续也不会满足
		if c.result.Effective()-outScore < p.cfg.ReplaceMargin {
			return nil
		}

		if err := p.admit(wc, c); err != nil {
			return err
		}
		reason := fmt.Sprintf("score %.4f beats %.4f by at least %.2f", c.result.Effective(), outScore, p.cfg.ReplaceMargin)
		evidence := map[string]any{"in": c.result, "out": p.evidence(wc, out)}
		if err := wc.Roster.Replace(c.addr, out, roster.Auto(wc.PassID, reason, evidence)); err != nil {
			return fmt.Errorf("replace %s with %s: %w", out, c.addr, err)
		}
		plan.Replaced = append(plan.Replaced, Replacement{In: c.addr, Out: out})
		plan.touch(c.addr, out)
	}
	return nil
}

// weakest 有效分最低的未固定 active 层钱包，本轮已变更的不参与
func (p *Planner) weakest(wc *WorkspaceContext, plan *Plan) (string, float64, bool) {
	var (
		addr  string
		score float64
		found bool
	)
	for _, w := range wc.Roster.ByTier(models.TierActive) {
		if w.Pinned || plan.touched[w.WalletAddress] {
			continue
		}
		e := wc.effective(w)
		if !found || e < score {
			addr, score, found = w.WalletAddress, e, true
		}
	}
	return addr, score, found
}

// admit 外部候选先加入 bench
func (p *Planner) admit(wc *WorkspaceContext, c candidate) error {
	if !c.external {
		return nil
	}
	if err := wc.Roster.Add(c.addr, roster.AddOptions{}, roster.Auto(wc.PassID, "optimizer candidate", c.result)); err != nil {
		return fmt.Errorf("add %s: %w", c.addr, err)
	}
	return nil
}

// allocate 对结果 active 集合重算分配并写回快照，有变化时生成审计记录
func (p *Planner) allocate(wc *WorkspaceContext, plan *Plan) error {
	previews := p.Recalculate(wc.Roster, wc.Scores)
	if len(previews) == 0 {
		return nil
	}
	if err := allocation.Validate(previews); err != nil {
		return err
	}

	changed := false
	for _, pv := range previews {
		if pv.ChangePct != 0 {
			changed = true
		}
		if err := wc.Roster.SetAllocation(pv.WalletAddress, pv.RecommendedPct); err != nil {
			return err
		}
	}
	plan.Allocations = previews
	if changed {
		plan.Audit = newAudit(wc, previews)
	}
	return nil
}

// Recalculate 计算 active 层建议分配，scores 缺失的钱包使用名册中保存的评分
// 试用期与宽限期钱包使用降低后的上限
func (p *Planner) Recalculate(r *roster.Roster, scores map[string]scoring.Result) []allocation.Preview {
	active := r.ByTier(models.TierActive)
	if len(active) == 0 {
		return nil
	}

	inputs := make([]allocation.Input, 0, len(active))
	for _, w := range active {
		in := allocation.Input{
			Address:    w.WalletAddress,
			Score:      w.CompositeScore,
			Confidence: w.ConfidenceScore,
			CurrentPct: w.AllocationPct,
		}
		if res, ok := scores[w.WalletAddress]; ok {
			in.Score = res.Score
			in.Confidence = res.Confidence
			in.Components = res.Components
		}
		switch w.Status {
		case models.StatusProbation:
			in.MaxPct = p.cfg.ProbationAllocationPct
		case models.StatusGracePeriod:
			in.MaxPct = p.cfg.GraceAllocationPct
		case models.StatusActive, models.StatusBench:
		}
		inputs = append(inputs, in)
	}
	return p.recalc.Compute(inputs)
}

func (p *Planner) evidence(wc *WorkspaceContext, addr string) any {
	if res, ok := wc.Scores[addr]; ok {
		return res
	}
	if w, ok := wc.Roster.Get(addr); ok {
		return map[string]any{
			"score":              w.CompositeScore,
			"confidence":         w.ConfidenceScore,
			"consecutive_losses": w.ConsecutiveLoss,
		}
	}
	return nil
}

func newAudit(wc *WorkspaceContext, previews []allocation.Preview) *models.AllocationAudit {
	data, _ := json.Marshal(previews)
	return &models.AllocationAudit{
		WorkspaceID: wc.WorkspaceID,
		PassID:      wc.PassID,
		Tier:        models.TierActive,
		WalletCount: len(previews),
		Evidence:    datatypes.JSON(data),
		CreatedAt:   wc.Now,
	}
}

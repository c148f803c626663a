package roster

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

// Limits 名册容量与时间窗口
type Limits struct {
	ActiveCapacity  int
	PinLimit        int
	ProbationWindow time.Duration
	GraceWindow     time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		ActiveCapacity:  5,
		PinLimit:        3,
		ProbationWindow: 72 * time.Hour,
		GraceWindow:     24 * time.Hour,
	}
}

// Cause 变更来源，写入审计日志
type Cause struct {
	Automatic bool
	Reason    string
	Evidence  any
	PassID    string
}

// Manual 人工操作
func Manual(reason string) Cause {
	return Cause{Reason: reason}
}

// Auto 优化器自动操作
func Auto(passID, reason string, evidence any) Cause {
	return Cause{Automatic: true, Reason: reason, Evidence: evidence, PassID: passID}
}

// AddOptions 加入名册时的跟单参数
type AddOptions struct {
	CopyBehavior    models.CopyBehavior
	MaxPositionSize decimal.Decimal
}

// Roster 单个工作区名册的内存快照
// 所有迁移先校验后修改，失败时快照保持不变
type Roster struct {
	workspaceID uint
	limits      Limits
	now         time.Time

	wallets map[string]*models.WalletAllocation
	bans    map[string]*models.WalletBan

	dirty       map[string]bool
	removed     map[string]*models.WalletAllocation
	newBans     map[string]*models.WalletBan
	removedBans map[string]*models.WalletBan
	history     []*models.RotationHistory
}

// New 基于持久化数据构建快照，入参会被拷贝
func New(workspaceID uint, limits Limits, now time.Time, allocs []*models.WalletAllocation, bans []*models.WalletBan) *Roster {
	r := &Roster{
		workspaceID: workspaceID,
		limits:      limits,
		now:         now,
		wallets:     make(map[string]*models.WalletAllocation, len(allocs)),
		bans:        make(map[string]*models.WalletBan, len(bans)),
		dirty:       make(map[string]bool),
		removed:     make(map[string]*models.WalletAllocation),
		newBans:     make(map[string]*models.WalletBan),
		removedBans: make(map[string]*models.WalletBan),
	}
	for _, a := range allocs {
		r.wallets[a.WalletAddress] = a.Clone()
	}
	for _, b := range bans {
		if b.ActiveAt(now) {
			c := *b
			r.bans[b.WalletAddress] = &c
		}
	}
	return r
}

func (r *Roster) WorkspaceID() uint {
	return r.workspaceID
}

func (r *Roster) Limits() Limits {
	return r.limits
}

func (r *Roster) Now() time.Time {
	return r.now
}

// Get 返回钱包当前状态的拷贝
func (r *Roster) Get(addr string) (*models.WalletAllocation, bool) {
	w, ok := r.wallets[addr]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// Wallets 按地址排序返回所有钱包
func (r *Roster) Wallets() []*models.WalletAllocation {
	out := make([]*models.WalletAllocation, 0, len(r.wallets))
	for _, w := range r.wallets {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletAddress < out[j].WalletAddress })
	return out
}

// ByTier 返回指定层级的钱包
func (r *Roster) ByTier(tier models.Tier) []*models.WalletAllocation {
	var out []*models.WalletAllocation
	for _, w := range r.Wallets() {
		if w.Tier == tier {
			out = append(out, w)
		}
	}
	return out
}

func (r *Roster) ActiveCount() int {
	n := 0
	for _, w := range r.wallets {
		if w.Tier == models.TierActive {
			n++
		}
	}
	return n
}

func (r *Roster) BenchCount() int {
	return len(r.wallets) - r.ActiveCount()
}

func (r *Roster) PinnedCount() int {
	n := 0
	for _, w := range r.wallets {
		if w.Pinned {
			n++
		}
	}
	return n
}

// FreeSlots 剩余 active 名额
func (r *Roster) FreeSlots() int {
	free := r.limits.ActiveCapacity - r.ActiveCount()
	if free < 0 {
		return 0
	}
	return free
}

// IsBanned 判断钱包当前是否被封禁
func (r *Roster) IsBanned(addr string) bool {
	b, ok := r.bans[addr]
	return ok && b.ActiveAt(r.now)
}

// Ban 返回生效中的封禁记录
func (r *Roster) Ban(addr string) (*models.WalletBan, bool) {
	b, ok := r.bans[addr]
	if !ok || !b.ActiveAt(r.now) {
		return nil, false
	}
	c := *b
	return &c, true
}

// ActiveAllocationSum active 层分配总和
func (r *Roster) ActiveAllocationSum() float64 {
	var sum float64
	for _, w := range r.wallets {
		if w.Tier == models.TierActive {
			sum += w.AllocationPct
		}
	}
	return sum
}

// Check 校验名册不变量
func (r *Roster) Check() error {
	if n := r.ActiveCount(); n > r.limits.ActiveCapacity {
		return fmt.Errorf("%w: %d active wallets, capacity %d", ErrRosterFull, n, r.limits.ActiveCapacity)
	}
	if n := r.PinnedCount(); n > r.limits.PinLimit {
		return fmt.Errorf("%w: %d pinned wallets, limit %d", ErrPinLimitExceeded, n, r.limits.PinLimit)
	}
	if sum := r.ActiveAllocationSum(); sum > 100+1e-6 {
		return fmt.Errorf("%w: %.2f", ErrAllocationOverflow, sum)
	}
	return nil
}

// SetScore 更新评分相关字段，不产生审计记录
func (r *Roster) SetScore(addr string, score, confidence float64, consecutiveLosses int) {
	w, ok := r.wallets[addr]
	if !ok {
		return
	}
	if w.CompositeScore == score && w.ConfidenceScore == confidence && w.ConsecutiveLoss == consecutiveLosses {
		return
	}
	w.CompositeScore = score
	w.ConfidenceScore = confidence
	w.ConsecutiveLoss = consecutiveLosses
	r.dirty[addr] = true
}

// SetAllocation 更新 active 钱包的分配比例
func (r *Roster) SetAllocation(addr string, pct float64) error {
	w, ok := r.wallets[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, addr)
	}
	if w.Tier != models.TierActive {
		pct = 0
	}
	if w.AllocationPct != pct {
		w.AllocationPct = pct
		r.dirty[addr] = true
	}
	return nil
}

// History 本次快照产生的审计记录
func (r *Roster) History() []*models.RotationHistory {
	out := make([]*models.RotationHistory, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Roster) record(action models.RotationAction, in, out string, c Cause) *models.RotationHistory {
	h := &models.RotationHistory{
		WorkspaceID: r.workspaceID,
		PassID:      c.PassID,
		Action:      action,
		Reason:      c.Reason,
		IsAutomatic: c.Automatic,
		CreatedAt:   r.now,
	}
	if in != "" {
		h.WalletIn = &in
	}
	if out != "" {
		h.WalletOut = &out
	}
	if c.Evidence != nil {
		if data, err := json.Marshal(c.Evidence); err == nil {
			h.Evidence = datatypes.JSON(data)
		}
	}
	r.history = append(r.history, h)
	return h
}

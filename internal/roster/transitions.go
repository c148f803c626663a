package roster

import (
	"fmt"
	"time"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

// rule 状态迁移规则
type rule struct {
	from []models.WalletStatus
	to   models.WalletStatus
}

func (r rule) allows(s models.WalletStatus) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}

// statusRule 返回动作对应的状态迁移，非状态迁移类动作返回 false
func statusRule(a models.RotationAction) (rule, bool) {
	switch a {
	case models.ActionPromote:
		return rule{
			from: []models.WalletStatus{models.StatusBench, models.StatusProbation, models.StatusGracePeriod},
			to:   models.StatusActive,
		}, true
	case models.ActionDemote:
		return rule{
			from: []models.WalletStatus{models.StatusProbation, models.StatusActive, models.StatusGracePeriod},
			to:   models.StatusBench,
		}, true
	case models.ActionProbationStart:
		return rule{from: []models.WalletStatus{models.StatusBench}, to: models.StatusProbation}, true
	case models.ActionProbationGraduate:
		return rule{from: []models.WalletStatus{models.StatusProbation}, to: models.StatusActive}, true
	case models.ActionProbationFail:
		return rule{from: []models.WalletStatus{models.StatusProbation}, to: models.StatusBench}, true
	case models.ActionGracePeriodStart:
		return rule{from: []models.WalletStatus{models.StatusActive}, to: models.StatusGracePeriod}, true
	case models.ActionGracePeriodDemote:
		return rule{from: []models.WalletStatus{models.StatusGracePeriod}, to: models.StatusBench}, true
	case models.ActionEmergencyDemote:
		return rule{
			from: []models.WalletStatus{models.StatusActive, models.StatusGracePeriod},
			to:   models.StatusBench,
		}, true
	case models.ActionReplace, models.ActionAdd, models.ActionRemove,
		models.ActionPin, models.ActionUnpin, models.ActionBan, models.ActionUnban:
		return rule{}, false
	}
	return rule{}, false
}

// move 执行单个钱包的状态迁移并记录一条审计日志
func (r *Roster) move(addr string, action models.RotationAction, c Cause) error {
	rl, ok := statusRule(action)
	if !ok {
		return fmt.Errorf("%w: %s is not a status transition", ErrInvalidTierTransition, action)
	}

	w, err := r.lookup(addr)
	if err != nil {
		return err
	}
	if !rl.allows(w.Status) {
		return fmt.Errorf("%w: %s cannot %s", ErrInvalidTierTransition, w.Status, action)
	}
	if c.Automatic && w.Pinned && rl.to == models.StatusBench {
		return fmt.Errorf("%w: %s", ErrWalletPinned, addr)
	}
	if w.Tier == models.TierBench && rl.to.Tier() == models.TierActive && r.FreeSlots() == 0 {
		return fmt.Errorf("%w: capacity %d", ErrRosterFull, r.limits.ActiveCapacity)
	}

	r.apply(w, rl.to)

	in, out := addr, ""
	if rl.to == models.StatusBench || action == models.ActionGracePeriodStart {
		in, out = "", addr
	}
	r.record(action, in, out, c)
	return nil
}

// apply 设置状态并维护相关时间窗口
func (r *Roster) apply(w *models.WalletAllocation, to models.WalletStatus) {
	w.Status = to
	w.Tier = to.Tier()
	w.ProbationUntil = nil
	w.GracePeriodUntil = nil

	switch to {
	case models.StatusProbation:
		w.ProbationUntil = timePtr(r.now.Add(r.limits.ProbationWindow))
	case models.StatusGracePeriod:
		w.GracePeriodUntil = timePtr(r.now.Add(r.limits.GraceWindow))
	case models.StatusBench:
		w.AllocationPct = 0
	}
	r.dirty[w.WalletAddress] = true
}

func (r *Roster) lookup(addr string) (*models.WalletAllocation, error) {
	if r.IsBanned(addr) {
		return nil, fmt.Errorf("%w: %s", ErrWalletBanned, addr)
	}
	w, ok := r.wallets[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, addr)
	}
	return w, nil
}

// Add 将钱包加入 bench
func (r *Roster) Add(addr string, opts AddOptions, c Cause) error {
	if r.IsBanned(addr) {
		return fmt.Errorf("%w: %s", ErrWalletBanned, addr)
	}
	if _, ok := r.wallets[addr]; ok {
		return fmt.Errorf("%w: %s", ErrWalletExists, addr)
	}

	behavior := opts.CopyBehavior
	if behavior == "" {
		behavior = models.CopyAll
	}

	w := &models.WalletAllocation{
		WorkspaceID:     r.workspaceID,
		WalletAddress:   addr,
		Tier:            models.TierBench,
		Status:          models.StatusBench,
		CopyBehavior:    behavior,
		MaxPositionSize: opts.MaxPositionSize,
		AutoAssigned:    c.Automatic,
		AddedAt:         r.now,
	}
	// 同一快照内先删后加时复用原记录
	if old, ok := r.removed[addr]; ok {
		w.ID = old.ID
		w.Version = old.Version
		delete(r.removed, addr)
	}
	r.wallets[addr] = w
	r.dirty[addr] = true
	r.record(models.ActionAdd, addr, "", c)
	return nil
}

// Remove 将钱包移出名册
func (r *Roster) Remove(addr string, c Cause) error {
	w, err := r.lookup(addr)
	if err != nil {
		return err
	}
	r.drop(w)
	r.record(models.ActionRemove, "", addr, c)
	return nil
}

func (r *Roster) drop(w *models.WalletAllocation) {
	delete(r.wallets, w.WalletAddress)
	delete(r.dirty, w.WalletAddress)
	if w.ID != 0 {
		r.removed[w.WalletAddress] = w
	}
}

// StartProbation bench 钱包被优化器选中，进入试用期
func (r *Roster) StartProbation(addr string, c Cause) error {
	return r.move(addr, models.ActionProbationStart, c)
}

// Graduate 试用期结束且指标达标，转为正式 active
func (r *Roster) Graduate(addr string, c Cause) error {
	return r.move(addr, models.ActionProbationGraduate, c)
}

// FailProbation 试用期指标不达标，退回 bench
func (r *Roster) FailProbation(addr string, c Cause) error {
	return r.move(addr, models.ActionProbationFail, c)
}

// StartGracePeriod 连续亏损达到阈值，进入宽限期
func (r *Roster) StartGracePeriod(addr string, c Cause) error {
	return r.move(addr, models.ActionGracePeriodStart, c)
}

// RecoverFromGrace 宽限期内恢复，回到 active
func (r *Roster) RecoverFromGrace(addr string, c Cause) error {
	w, err := r.lookup(addr)
	if err != nil {
		return err
	}
	if w.Status != models.StatusGracePeriod {
		return fmt.Errorf("%w: %s is not in grace period", ErrInvalidTierTransition, w.Status)
	}
	return r.move(addr, models.ActionPromote, c)
}

// DemoteFromGrace 宽限期到期未恢复或触发紧急降级
func (r *Roster) DemoteFromGrace(addr string, emergency bool, c Cause) error {
	if emergency {
		return r.move(addr, models.ActionEmergencyDemote, c)
	}
	return r.move(addr, models.ActionGracePeriodDemote, c)
}

// Promote 人工提升为 active
func (r *Roster) Promote(addr string, c Cause) error {
	return r.move(addr, models.ActionPromote, c)
}

// Demote 降级回 bench
func (r *Roster) Demote(addr string, c Cause) error {
	return r.move(addr, models.ActionDemote, c)
}

// Replace 用 bench 钱包替换 active 层的钱包，两者一次完成
func (r *Roster) Replace(in, out string, c Cause) error {
	wIn, err := r.lookup(in)
	if err != nil {
		return err
	}
	wOut, err := r.lookup(out)
	if err != nil {
		return err
	}
	if wIn.Status != models.StatusBench {
		return fmt.Errorf("%w: incoming wallet is %s", ErrInvalidTierTransition, wIn.Status)
	}
	if wOut.Tier != models.TierActive {
		return fmt.Errorf("%w: outgoing wallet is %s", ErrInvalidTierTransition, wOut.Status)
	}
	if wOut.Pinned {
		return fmt.Errorf("%w: %s", ErrWalletPinned, out)
	}

	r.apply(wOut, models.StatusBench)
	r.apply(wIn, models.StatusProbation)
	r.record(models.ActionReplace, in, out, c)
	return nil
}

// Pin 固定钱包，已固定时不做任何变更
func (r *Roster) Pin(addr string, c Cause) error {
	w, err := r.lookup(addr)
	if err != nil {
		return err
	}
	if w.Pinned {
		return nil
	}
	if r.PinnedCount() >= r.limits.PinLimit {
		return fmt.Errorf("%w: limit %d", ErrPinLimitExceeded, r.limits.PinLimit)
	}
	w.Pinned = true
	w.PinnedAt = timePtr(r.now)
	r.dirty[addr] = true
	r.record(models.ActionPin, addr, "", c)
	return nil
}

// Unpin 取消固定，未固定时不做任何变更
func (r *Roster) Unpin(addr string, c Cause) error {
	w, err := r.lookup(addr)
	if err != nil {
		return err
	}
	if !w.Pinned {
		return nil
	}
	w.Pinned = false
	w.PinnedAt = nil
	r.dirty[addr] = true
	r.record(models.ActionUnpin, addr, "", c)
	return nil
}

// BanWallet 封禁钱包，名册中的记录一并移除（包括已固定的）
func (r *Roster) BanWallet(addr, reason string, expiresAt *time.Time, c Cause) error {
	if r.IsBanned(addr) {
		return fmt.Errorf("%w: %s", ErrWalletBanned, addr)
	}
	if expiresAt != nil && !expiresAt.After(r.now) {
		return fmt.Errorf("%w: ban expiry must be in the future", ErrInvalidTierTransition)
	}

	if w, ok := r.wallets[addr]; ok {
		r.drop(w)
	}

	ban := &models.WalletBan{
		WorkspaceID:   r.workspaceID,
		WalletAddress: addr,
		Reason:        reason,
		BannedAt:      r.now,
		ExpiresAt:     expiresAt,
	}
	r.bans[addr] = ban
	r.newBans[addr] = ban

	if c.Reason == "" {
		c.Reason = reason
	}
	r.record(models.ActionBan, "", addr, c)
	return nil
}

// Unban 解除封禁
func (r *Roster) Unban(addr string, c Cause) error {
	ban, ok := r.bans[addr]
	if !ok || !ban.ActiveAt(r.now) {
		return fmt.Errorf("%w: %s", ErrNotBanned, addr)
	}
	delete(r.bans, addr)
	if _, fresh := r.newBans[addr]; fresh {
		delete(r.newBans, addr)
	}
	if ban.ID != 0 {
		r.removedBans[addr] = ban
	}
	r.record(models.ActionUnban, addr, "", c)
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

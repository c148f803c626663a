package roster

import (
	"sort"

	"github.com/utrading/utrading-roster-optimizer/internal/models"
)

// Changeset 一次快照产生的全部持久化变更，需在同一事务中提交
type Changeset struct {
	WorkspaceID uint
	Limits      Limits
	Saved       []*models.WalletAllocation // ID 为 0 的为新增
	Removed     []*models.WalletAllocation
	Bans        []*models.WalletBan
	Unbans      []*models.WalletBan
	History     []*models.RotationHistory
	Audit       *models.AllocationAudit
}

// Empty 是否没有任何变更
func (c *Changeset) Empty() bool {
	return len(c.Saved) == 0 && len(c.Removed) == 0 && len(c.Bans) == 0 &&
		len(c.Unbans) == 0 && len(c.History) == 0 && c.Audit == nil
}

// Changes 汇总快照中的变更，按地址排序保证提交顺序稳定
func (r *Roster) Changes() *Changeset {
	cs := &Changeset{
		WorkspaceID: r.workspaceID,
		Limits:      r.limits,
		History:     r.History(),
	}

	for addr := range r.dirty {
		if w, ok := r.wallets[addr]; ok {
			cs.Saved = append(cs.Saved, w.Clone())
		}
	}
	for _, w := range r.removed {
		cs.Removed = append(cs.Removed, w.Clone())
	}
	for _, b := range r.newBans {
		c := *b
		cs.Bans = append(cs.Bans, &c)
	}
	for _, b := range r.removedBans {
		c := *b
		cs.Unbans = append(cs.Unbans, &c)
	}

	sortWallets(cs.Saved)
	sortWallets(cs.Removed)
	sortBans(cs.Bans)
	sortBans(cs.Unbans)
	return cs
}

func sortWallets(ws []*models.WalletAllocation) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].WalletAddress < ws[j].WalletAddress })
}

func sortBans(bs []*models.WalletBan) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].WalletAddress < bs[j].WalletAddress })
}

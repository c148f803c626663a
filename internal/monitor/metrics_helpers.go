package monitor

// 便捷函数供外部调用，无需访问 Metrics 实例

func ObservePass(trigger, outcome string, seconds float64) {
	GetMetrics().ObservePass(trigger, outcome, seconds)
}

func IncRotation(action string, automatic bool) {
	GetMetrics().IncRotation(action, automatic)
}

func IncPersistenceConflict() {
	GetMetrics().IncPersistenceConflict()
}

func SetRosterSize(workspaceID uint, active, bench, pinned int) {
	GetMetrics().SetRosterSize(workspaceID, active, bench, pinned)
}

func IncScan(outcome string) {
	GetMetrics().IncScan(outcome)
}

func SetMarketsSelected(workspaceID uint, core, exploration int) {
	GetMetrics().SetMarketsSelected(workspaceID, core, exploration)
}

func DeleteWorkspace(workspaceID uint) {
	GetMetrics().DeleteWorkspace(workspaceID)
}

func SetWorkspacesScheduled(count int) {
	GetMetrics().SetWorkspacesScheduled(count)
}

func SetNATSConnected(connected bool) {
	GetMetrics().SetNATSConnected(connected)
}

func IncEventsPublished(topic string) {
	GetMetrics().IncEventsPublished(topic)
}

func IncPublishErrors(topic string) {
	GetMetrics().IncPublishErrors(topic)
}

// IncCacheHit 增加缓存命中计数
func IncCacheHit(cacheType string) {
	GetMetrics().IncCacheHit(cacheType)
}

// IncCacheMiss 增加缓存未命中计数
func IncCacheMiss(cacheType string) {
	GetMetrics().IncCacheMiss(cacheType)
}

func AddCleanerDeleted(table string, n int64) {
	GetMetrics().AddCleanerDeleted(table, n)
}

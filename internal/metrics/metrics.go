package metrics

import "expvar"

var (
	FeedReconnects  = expvar.NewInt("feed_reconnects")
	FeedResyncs     = expvar.NewInt("feed_resyncs")
	DiscardedDiffs  = expvar.NewInt("discarded_diffs")
	RESTRefreshes   = expvar.NewInt("rest_refreshes")
	RefreshFailures = expvar.NewInt("rest_refresh_failures")

	IntentsSubmitted = expvar.NewInt("intents_submitted")
	IntentsRejected  = expvar.NewInt("intents_rejected")
	IntentsTimedOut  = expvar.NewInt("intents_timed_out")
	IntentsDeduped   = expvar.NewInt("intents_deduped")

	ToolCalls  = expvar.NewMap("tool_calls")
	ToolErrors = expvar.NewMap("tool_errors")

	// FeedState 当前 feed 状态名，由 statecache.Feed 更新
	FeedState = expvar.NewString("feed_state")
)

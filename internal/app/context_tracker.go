package app

// WarningThresholds are context-usage percentages that trigger a one-time
// warning per session, in ascending order.
var WarningThresholds = []int{80, 90, 95}

// Apply adds tokens to the running total, recomputes the percentage against
// the context window, and returns the newly crossed warning threshold, or 0.
//
// Each threshold fires at most once: HighestWarning only ever increases, and
// when one update jumps several thresholds only the highest is reported.
func (u *ContextUsage) Apply(tokens int) (crossed int) {
	if tokens > 0 {
		u.TotalTokens += tokens
	}
	u.recompute()
	for _, th := range WarningThresholds {
		if u.Percentage >= float64(th) && th > u.HighestWarning {
			crossed = th
		}
	}
	if crossed > 0 {
		u.HighestWarning = crossed
	}
	return crossed
}

func (u *ContextUsage) recompute() {
	if u.ContextWindow <= 0 {
		u.Percentage = 0
		return
	}
	u.Percentage = float64(u.TotalTokens) / float64(u.ContextWindow) * 100
}

// Rewindow is called when the session switches model: the window changes but
// the accumulated token count and already-fired warnings are kept.
func (u *ContextUsage) Rewindow(contextWindow int) {
	u.ContextWindow = contextWindow
	u.recompute()
}

package fusion

// DriftState is the detector's slice of a session's state: the current flag
// and the remaining sticky cool-down.
type DriftState struct {
	Flag     bool
	Cooldown int
}

// DriftDetector flags sustained downward deviation in a session's trust
// history: the short-window mean must sit below the long-window mean by more
// than the margin AND at least DriftMinBreaches of the short window's points
// must individually breach. Once the condition clears the flag stays up for
// a cool-down number of updates.
type DriftDetector struct {
	cfg *Config
}

// NewDriftDetector builds the detector for a config.
func NewDriftDetector(cfg *Config) *DriftDetector {
	return &DriftDetector{cfg: cfg}
}

// Update re-evaluates drift after a history append and returns the flag.
func (d *DriftDetector) Update(history []TrustPoint, ds *DriftState) bool {
	if d.sustainedDrop(history) {
		ds.Flag = true
		ds.Cooldown = d.cfg.DriftCooldownBatches
		return true
	}
	if ds.Flag {
		if ds.Cooldown > 0 {
			ds.Cooldown--
			return true
		}
		ds.Flag = false
	}
	return false
}

func (d *DriftDetector) sustainedDrop(history []TrustPoint) bool {
	if len(history) < d.cfg.LongWindow {
		return false
	}
	longMean := windowMean(history, d.cfg.LongWindow)
	shortMean := windowMean(history, d.cfg.ShortWindow)
	if longMean-shortMean <= d.cfg.DriftMargin {
		return false
	}
	threshold := longMean - d.cfg.DriftMargin
	breaches := 0
	for _, p := range history[len(history)-d.cfg.ShortWindow:] {
		if p.Trust < threshold {
			breaches++
		}
	}
	return breaches >= d.cfg.DriftMinBreaches
}

// windowMean averages the trailing n trust values.
func windowMean(history []TrustPoint, n int) float64 {
	if n > len(history) {
		n = len(history)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, p := range history[len(history)-n:] {
		sum += p.Trust
	}
	return sum / float64(n)
}

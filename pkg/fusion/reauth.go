package fusion

// ReauthTrigger maps (trust, drift) onto the session's reauthentication state.
// One transition per fusion update:
//
//	normal  -> warned          trust below warn threshold
//	warned  -> reauth_required trust below reauth threshold, or drift while warned
//	warned  -> normal          trust above warn threshold + hysteresis margin
//	reauth_required -> normal  only via external acknowledgement
//
// The hysteresis margin keeps the machine from oscillating at the warn
// boundary. reauth_required never self-clears from trust recovering alone.
type ReauthTrigger struct {
	cfg *Config
}

// NewReauthTrigger builds the trigger for a config.
func NewReauthTrigger(cfg *Config) *ReauthTrigger {
	return &ReauthTrigger{cfg: cfg}
}

// Evaluate applies one update and returns the next state.
func (t *ReauthTrigger) Evaluate(state ReauthState, trust float64, drift bool) ReauthState {
	switch state {
	case StateNormal:
		if trust < t.cfg.WarnThreshold {
			return StateWarned
		}
		return StateNormal
	case StateWarned:
		if trust < t.cfg.ReauthThreshold || drift {
			return StateReauthNeeded
		}
		if trust > t.cfg.WarnThreshold+t.cfg.HysteresisMargin {
			return StateNormal
		}
		return StateWarned
	case StateReauthNeeded:
		return StateReauthNeeded
	default:
		return StateNormal
	}
}

// ActionFor maps a state onto the outward action.
func ActionFor(state ReauthState) Action {
	switch state {
	case StateWarned:
		return ActionWarn
	case StateReauthNeeded:
		return ActionForceReauth
	default:
		return ActionNone
	}
}

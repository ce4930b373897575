// Package policy lets operators override the outward action per batch with a
// Rego policy. The policy sees the batch outcome as input and may set
// data.trustd.decision to "none", "warn" or "force_reauth"; anything else
// falls back to the engine's own action. The trigger state machine is not
// affected, only what is reported to the session-management collaborator.
package policy

import (
	"context"
	"errors"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"aegis/pkg/fusion"
)

// Engine wraps a prepared Rego query for the batch decision override.
type Engine struct {
	prepared rego.PreparedEvalQuery
}

// Load compiles the Rego file at path and prepares the decision query.
// An empty path returns a nil engine, which evaluates to no override.
func Load(path string) (*Engine, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	r := rego.New(
		rego.Query("data.trustd.decision"),
		rego.Load([]string{path}, nil),
	)
	pq, err := r.PrepareForEval(context.Background())
	if err != nil {
		return nil, err
	}
	return &Engine{prepared: pq}, nil
}

// Evaluate returns the override action and true if the policy produced one.
// If false, the caller keeps the engine's action.
func (e *Engine) Evaluate(input map[string]any) (fusion.Action, bool, error) {
	if e == nil {
		return "", false, nil
	}
	rs, err := e.prepared.Eval(context.Background(), rego.EvalInput(input))
	if err != nil {
		return "", false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", false, nil
	}
	v := rs[0].Expressions[0].Value
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false, nil
	}
	switch fusion.Action(s) {
	case fusion.ActionNone, fusion.ActionWarn, fusion.ActionForceReauth:
		return fusion.Action(s), true, nil
	default:
		return "", false, errors.New("unsupported decision from policy")
	}
}

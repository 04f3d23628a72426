package broker

import (
	"context"
	"fmt"
)

// AnalyzerResult is the broker.MissingServiceAnalyzer intrinsic's
// Service payload: the precise reason a requested identity did not
// resolve for the requesting view, plus a best-effort human-readable
// explanation.
type AnalyzerResult struct {
	Requested   Identity `json:"requested"`
	Resolved    bool     `json:"resolved"`
	MatchID     Identity `json:"matchId,omitempty"`
	Source      Source   `json:"source,omitempty"`
	Miss        MissKind `json:"miss,omitempty"`
	Explanation string   `json:"explanation"`
}

// analyzerFactory is the broker.MissingServiceAnalyzer intrinsic: given
// an identity string under the "identity" activation argument, it
// replays the lookup engine for the requester's own audience and
// returns the precise MissKind plus a short explanation, rather than
// the bare miss a GetPipe/GetProxy caller would have seen.
func analyzerFactory(ctx context.Context, requester *View, identity Identity, opts Options, serviceBroker *View) (*FactoryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, ok := opts.ActivationArguments["identity"]
	if !ok || raw == "" {
		return nil, fmt.Errorf("broker: missing-service analyzer requires an \"identity\" activation argument")
	}
	target, err := ParseIdentity(raw)
	if err != nil {
		return nil, fmt.Errorf("broker: missing-service analyzer: %w", err)
	}

	result := requester.doLookup(target, false)

	var out AnalyzerResult
	out.Requested = target
	if result.Hit() {
		out.Resolved = true
		out.MatchID = result.MatchID
		out.Source = result.Entry.Source()
		out.Explanation = fmt.Sprintf("%s resolves via %s (matched as %s)", target, result.Entry.Source(), result.MatchID)
	} else {
		out.Miss = result.Miss.Kind
		out.Explanation = explainMiss(result.Miss)
	}

	return &FactoryResult{
		Service:    &out,
		Descriptor: Descriptor{Identity: identity},
	}, nil
}

func explainMiss(m Miss) string {
	switch m.Kind {
	case NotRegistered:
		return fmt.Sprintf("%s was never passed to RegisterServices", m.Identity)
	case ChaosDenied:
		return fmt.Sprintf("%s is denied by the active chaos policy", m.Identity)
	case AudienceMismatch:
		return fmt.Sprintf("%s is registered but not exposed to the requesting audience", m.Identity)
	case LocalHiddenOnRemoteClient:
		return fmt.Sprintf("%s is registered locally but hidden because a remote source is preferred for this consumer", m.Identity)
	case FactoryNotProffered:
		return fmt.Sprintf("%s is registered and exposed but no factory has proffered it yet", m.Identity)
	default:
		return fmt.Sprintf("%s did not resolve (%s)", m.Identity, m.Kind)
	}
}

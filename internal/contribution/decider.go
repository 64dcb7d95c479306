package contribution

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"stelligence/internal/logging"
	"stelligence/internal/vote"
)

// Thresholds are inclusive lower bounds.
const (
	MergeRate  = 0.8
	DebateRate = 0.3
)

// Decide maps a tally to an action. No votes means no mandate.
func Decide(t vote.Tally) Action {
	total := t.Total()
	if total == 0 {
		return ActionReject
	}
	rate := float64(t.Agree) / float64(total)
	switch {
	case rate >= MergeRate:
		return ActionMerge
	case rate >= DebateRate:
		return ActionDebate
	default:
		return ActionReject
	}
}

type Decider struct {
	tallies vote.TallyProvider
	logger  logrus.FieldLogger
}

func NewDecider(tallies vote.TallyProvider, logger logrus.FieldLogger) *Decider {
	return &Decider{tallies: tallies, logger: logging.OrStandard(logger)}
}

// Decide reads the current tally and applies the thresholds.
func (d *Decider) Decide(ctx context.Context, contributionID int64) (Action, error) {
	tally, err := d.tallies.GetTally(ctx, contributionID)
	if err != nil {
		return ActionReject, fmt.Errorf("decide contribution %d: %w", contributionID, err)
	}
	action := Decide(tally)
	fields := logrus.Fields{
		"contribution_id": contributionID,
		"agree":           tally.Agree,
		"total":           tally.Total(),
		"action":          action.String(),
	}
	if tally.Total() > 0 {
		fields["rate"] = float64(tally.Agree) / float64(tally.Total())
	}
	d.logger.WithFields(fields).Debug("contribution decided")
	return action, nil
}

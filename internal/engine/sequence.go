package engine

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// sequenceModel is a per-account Markov chain over endpoint+method steps.
// Well-trodden transitions score low; novel or rare flows score high.
type sequenceModel struct {
	alpha  float64 // Laplace smoothing constant
	maxRow int     // per-state count cap before proportional decay
	window int     // recent-path length retained for summaries
}

func newSequenceModel(cfg domain.EngineConfig) *sequenceModel {
	return &sequenceModel{
		alpha:  cfg.SequenceSmoothing,
		maxRow: cfg.SequenceMaxRow,
		window: cfg.SequenceWindow,
	}
}

func stepKey(method, endpoint string) string {
	return method + " " + endpoint
}

// observe scores the transition from the account's previous step to this
// event, then records the transition. Counts are updated after scoring so
// the very first observation of a transition is judged against genuinely
// prior history.
func (m *sequenceModel) observe(acct *AccountState, event *domain.ActivityEvent) domain.RiskSignal {
	cur := stepKey(event.Method, event.Endpoint)
	prev := acct.LastStep

	var value float64
	rationale := "no transition history yet"
	if prev != "" {
		p := m.probability(acct, prev, cur)
		value = 1 - p
		rationale = fmt.Sprintf("transition %s -> %s has probability %.3f", prev, cur, p)
	}

	m.record(acct, prev, cur)

	return domain.RiskSignal{Name: domain.SignalSequence, Value: value, Rationale: rationale}
}

// probability estimates P(cur | prev) with Laplace smoothing so unseen
// transitions on sparse histories never collapse to zero probability. With
// no history at all the estimate is 1 and the signal is neutral.
func (m *sequenceModel) probability(acct *AccountState, prev, cur string) float64 {
	row := acct.Transitions[prev]
	if row == nil || row.Total == 0 {
		return 1
	}
	k := len(row.Next)
	if _, seen := row.Next[cur]; !seen {
		k++
	}
	return (float64(row.Next[cur]) + m.alpha) / (float64(row.Total) + m.alpha*float64(k))
}

func (m *sequenceModel) record(acct *AccountState, prev, cur string) {
	if prev != "" {
		row := acct.Transitions[prev]
		if row == nil {
			row = &transitionRow{Next: make(map[string]int)}
			acct.Transitions[prev] = row
		}
		row.Next[cur]++
		row.Total++
		if row.Total > m.maxRow {
			m.decay(row)
		}
	}
	acct.LastStep = cur
	acct.RecentPath = append(acct.RecentPath, cur)
	if len(acct.RecentPath) > m.window {
		acct.RecentPath = acct.RecentPath[len(acct.RecentPath)-m.window:]
	}
}

// decay halves every count in the row, dropping zeros, so the model
// tolerates legitimate workflow evolution instead of fossilizing.
func (m *sequenceModel) decay(row *transitionRow) {
	total := 0
	for next, c := range row.Next {
		c /= 2
		if c == 0 {
			delete(row.Next, next)
			continue
		}
		row.Next[next] = c
		total += c
	}
	row.Total = total
}

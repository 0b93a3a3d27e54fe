package candidates

// ScoredCandidate is a scorer's verdict for one group
type ScoredCandidate struct {
	Value     float64
	Candidate *Candidate
}

// CandidateScorer picks the best member of a group and rates it
type CandidateScorer interface {
	Identifier() string
	ScoreCandidates(group []*Candidate) ScoredCandidate
}

// Choose runs scorer over every group and returns the winner, or nil when the
// set is empty
func (s *Set) Choose(scorer CandidateScorer) *ScoredCandidate {
	var best *ScoredCandidate
	for _, g := range s.GroupedCandidates() {
		sc := scorer.ScoreCandidates(g.Candidates)
		if sc.Candidate == nil {
			continue
		}
		if best == nil || better(sc, *best) {
			choice := sc
			best = &choice
		}
	}
	return best
}

// better orders by value, then tie-break score, then evaluator id, then the
// lexically smaller BSSID
func better(a, b ScoredCandidate) bool {
	if a.Value != b.Value {
		return a.Value > b.Value
	}
	ca, cb := a.Candidate, b.Candidate
	if ca.TieBreakScore != cb.TieBreakScore {
		return ca.TieBreakScore > cb.TieBreakScore
	}
	if ca.EvaluatorID != cb.EvaluatorID {
		return ca.EvaluatorID > cb.EvaluatorID
	}
	return ca.Key.BSSID.String() < cb.Key.BSSID.String()
}

// EvaluatorScorer rates candidates by the score their evaluator assigned
type EvaluatorScorer struct{}

func (EvaluatorScorer) Identifier() string { return "evaluator_score" }

func (EvaluatorScorer) ScoreCandidates(group []*Candidate) ScoredCandidate {
	var best ScoredCandidate
	for _, c := range group {
		sc := ScoredCandidate{Value: float64(c.Score), Candidate: c}
		if best.Candidate == nil || better(sc, best) {
			best = sc
		}
	}
	return best
}

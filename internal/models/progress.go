package models

// ProgressRecord tracks per-job progress pushed by the server. Percentage is
// authoritative when the server supplies it and must not be recomputed from
// current/total if they diverge.
type ProgressRecord struct {
	Current           int                    `json:"current"`
	Total             int                    `json:"total"`
	Percentage        float64                `json:"percentage"`
	Message           string                 `json:"message,omitempty"`
	EvaluationResults map[string]interface{} `json:"evaluation_results,omitempty"`
}

// EffectivePercentage returns the server percentage when set, falling back to
// a current/total ratio only when the server omitted it.
func (p *ProgressRecord) EffectivePercentage() float64 {
	if p.Percentage > 0 {
		return p.Percentage
	}
	if p.Total > 0 {
		return float64(p.Current) / float64(p.Total) * 100
	}
	return 0
}

// Valid reports whether the record is internally consistent.
func (p *ProgressRecord) Valid() bool {
	if p.Current < 0 || p.Total < 0 {
		return false
	}
	if p.Total > 0 && p.Current > p.Total {
		return false
	}
	if p.Percentage < 0 || p.Percentage > 100 {
		return false
	}
	return true
}

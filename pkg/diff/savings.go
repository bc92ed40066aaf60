package diff

/*
SavingsStrategy decides how many tokens a mutation saved compared to sending
the full context. The figure is reported in metrics and responses; it never
changes what is stored or sent.
*/
type SavingsStrategy interface {
	Saved(prev, next map[string]any, transmitted any) int
}

/*
DiffSavings counts the difference between the full next snapshot and what was
actually transmitted. A first write transmits everything and saves nothing.
*/
type DiffSavings struct {
	Estimator Estimator
}

func (strategy DiffSavings) Saved(prev, next map[string]any, transmitted any) int {
	if prev == nil {
		return 0
	}

	saved := strategy.Estimator.Estimate(next) - strategy.Estimator.Estimate(transmitted)

	return max(saved, 0)
}

/*
FirstWritePercent credits first writes with a fixed share of their size and
otherwise behaves like DiffSavings.
*/
type FirstWritePercent struct {
	Estimator Estimator
	Percent   float64
}

func (strategy FirstWritePercent) Saved(prev, next map[string]any, transmitted any) int {
	if prev == nil {
		return int(float64(strategy.Estimator.Estimate(next)) * strategy.Percent / 100)
	}

	return DiffSavings{Estimator: strategy.Estimator}.Saved(prev, next, transmitted)
}

/*
NewSavingsStrategy resolves a configured strategy name. Unknown names fall
back to DiffSavings.
*/
func NewSavingsStrategy(name string, estimator Estimator, percent float64) SavingsStrategy {
	switch name {
	case "first-write":
		return FirstWritePercent{Estimator: estimator, Percent: percent}
	default:
		return DiffSavings{Estimator: estimator}
	}
}

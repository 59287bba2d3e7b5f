package agentloop

import "strings"

// modelCost is the per-million-token pricing table (spec §4.1/§4.9),
// matched by case-insensitive model-name substring, mirroring
// internal/store's identical table so a turn's estimated cost always
// agrees with the aggregate cost Store.GetSessionTokenUsage reports.
var modelCost = []struct {
	substr               string
	inputPer1M, outPer1M float64
}{
	{"haiku", 0.80, 4.0},
	{"sonnet", 3.0, 15.0},
	{"opus", 15.0, 75.0},
}

// estimateCost computes a turn's cost estimate (spec §4.9): (input/1e6)*
// inputPrice + (output/1e6)*outputPrice, against the model actually used.
func estimateCost(model string, input, output int64) float64 {
	lower := strings.ToLower(model)
	in, out := 15.0, 75.0
	for _, m := range modelCost {
		if strings.Contains(lower, m.substr) {
			in, out = m.inputPer1M, m.outPer1M
			break
		}
	}
	return float64(input)/1e6*in + float64(output)/1e6*out
}

package sql2nl

// EvaluationResult is the JSON-facing outcome of one prediction request.
// Failures never escape the orchestrator as errors; they land here with
// Success false and the reason preserved.
type EvaluationResult struct {
	ModelName    string  `json:"modelName"`
	Original     string  `json:"original"`
	HasScore     bool    `json:"hasScore"`
	Result       string  `json:"result"`
	Score        float64 `json:"score"`
	Success      bool    `json:"success"`
	FailedReason string  `json:"failedReason"`
}

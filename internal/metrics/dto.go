package metrics

// TokenSummary is the top-level savings report and the payload of live
// token_update events.
type TokenSummary struct {
	TotalObservations        int64   `json:"totalObservations"`
	TotalReadTokens          int64   `json:"totalReadTokens"`
	TotalDiscoveryTokens     int64   `json:"totalDiscoveryTokens"`
	Savings                  int64   `json:"savings"`
	SavingsPercent           int64   `json:"savingsPercent"`
	EfficiencyGain           float64 `json:"efficiencyGain"`
	AvgReadTokensPerObs      int64   `json:"avgReadTokensPerObs"`
	AvgDiscoveryTokensPerObs int64   `json:"avgDiscoveryTokensPerObs"`
}

// ProjectTokenStats is one by-project row with the same savings math as the
// summary.
type ProjectTokenStats struct {
	Project              string  `json:"project"`
	TotalObservations    int64   `json:"totalObservations"`
	TotalReadTokens      int64   `json:"totalReadTokens"`
	TotalDiscoveryTokens int64   `json:"totalDiscoveryTokens"`
	Savings              int64   `json:"savings"`
	SavingsPercent       int64   `json:"savingsPercent"`
	EfficiencyGain       float64 `json:"efficiencyGain"`
}

// ByProjectReport lists the top projects by discovery tokens.
type ByProjectReport struct {
	Projects      []ProjectTokenStats `json:"projects"`
	TotalProjects int                 `json:"totalProjects"`
}

// TypeTokenStats is one by-type row.
type TypeTokenStats struct {
	Type                 string  `json:"type"`
	TotalObservations    int64   `json:"totalObservations"`
	TotalReadTokens      int64   `json:"totalReadTokens"`
	TotalDiscoveryTokens int64   `json:"totalDiscoveryTokens"`
	Savings              int64   `json:"savings"`
	SavingsPercent       int64   `json:"savingsPercent"`
	EfficiencyGain       float64 `json:"efficiencyGain"`
}

// ByTypeReport lists all observation types ordered by discovery tokens.
type ByTypeReport struct {
	Types []TypeTokenStats `json:"types"`
}

// TimeSeriesPoint is one bucket with running cumulatives across the series.
type TimeSeriesPoint struct {
	Bucket                    string `json:"bucket"`
	Observations              int64  `json:"observations"`
	ReadTokens                int64  `json:"readTokens"`
	DiscoveryTokens           int64  `json:"discoveryTokens"`
	CumulativeReadTokens      int64  `json:"cumulativeReadTokens"`
	CumulativeDiscoveryTokens int64  `json:"cumulativeDiscoveryTokens"`
}

// TimeSeriesReport groups observations into hour/day/week buckets.
type TimeSeriesReport struct {
	Granularity string            `json:"granularity"`
	Points      []TimeSeriesPoint `json:"points"`
}

// TypeCompression is per-type compression stats.
type TypeCompression struct {
	Type                string  `json:"type"`
	Observations        int64   `json:"observations"`
	TotalOriginalTokens int64   `json:"totalOriginalTokens"`
	TotalCompressed     int64   `json:"totalCompressedTokens"`
	AvgCompressionRatio float64 `json:"avgCompressionRatio"`
}

// CompressionReport compares compressed observation bodies against the
// estimated original tool output (2x discovery cost).
type CompressionReport struct {
	TotalObservations     int64             `json:"totalObservations"`
	TotalOriginalTokens   int64             `json:"totalOriginalTokens"`
	TotalCompressedTokens int64             `json:"totalCompressedTokens"`
	AvgCompressionRatio   float64           `json:"avgCompressionRatio"`
	ByType                []TypeCompression `json:"byType"`
}

// ProjectionStream is one side of the endless-mode simulation.
type ProjectionStream struct {
	DiscoveryTokens int64 `json:"discoveryTokens"`
	ContextTokens   int64 `json:"contextTokens"`
	TotalTokens     int64 `json:"totalTokens"`
}

// EndlessProjection simulates cumulative context growth with and without
// compressed observations over the most recent N observations.
type EndlessProjection struct {
	Project          string           `json:"project"`
	ObservationCount int              `json:"observationCount"`
	Without          ProjectionStream `json:"withoutObservations"`
	With             ProjectionStream `json:"withObservations"`
	TokensSaved      int64            `json:"tokensSaved"`
	PercentSaved     float64          `json:"percentSaved"`
	EfficiencyGain   float64          `json:"efficiencyGain"`
}

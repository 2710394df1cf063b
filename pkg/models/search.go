package models

// SearchConfig describes a single interval search: the key to solve and
// the scalar range it is known to lie in. Range bounds are hex strings so
// the payload survives JSON without precision loss.
type SearchConfig struct {
	RangeStart string `json:"rangeStart"`
	RangeEnd   string `json:"rangeEnd"`
	PubKey     string `json:"pubKey"` // compressed hex
	DPSize     uint32 `json:"dpSize"`
	Symmetry   bool   `json:"symmetry,omitempty"`
}

// Progress is the live snapshot served by the status API and pushed to
// websocket subscribers.
type Progress struct {
	IsRunning        bool    `json:"isRunning"`
	TotalCount       uint64  `json:"totalCount"` // group operations performed
	TotalTime        float64 `json:"totalTime"`  // seconds wallclock
	OpsPerSecond     float64 `json:"opsPerSecond"`
	DPCount          uint64  `json:"dpCount"`
	DeadKangaroos    int64   `json:"deadKangaroos"`
	Kangaroos        uint64  `json:"kangaroos"`
	ConnectedClients int     `json:"connectedClients,omitempty"`
	ExpectedOps      float64 `json:"expectedOps"`
	DPSize           uint32  `json:"dpSize"`
}

// SolveResult is emitted once when a collision yields the private key.
type SolveResult struct {
	PrivKey    string  `json:"privKey"` // hex
	PubKey     string  `json:"pubKey"`  // compressed hex
	RangeStart string  `json:"rangeStart"`
	RangeEnd   string  `json:"rangeEnd"`
	TotalCount uint64  `json:"totalCount"`
	TotalTime  float64 `json:"totalTime"`
	Timestamp  string  `json:"timestamp"`
}

// CheckpointInfo describes one written work file, for the journal and the
// status API.
type CheckpointInfo struct {
	File       string  `json:"file"`
	DPCount    uint64  `json:"dpCount"`
	TotalCount uint64  `json:"totalCount"`
	TotalTime  float64 `json:"totalTime"`
	SizeBytes  int64   `json:"sizeBytes"`
	Timestamp  string  `json:"timestamp"`
}

package types

// MergeStrategy governs how incoming server data reconciles with locally
// tracked changes.
type MergeStrategy int

const (
	// MergeUnset leaves the choice to the reconciler's per-op default.
	MergeUnset MergeStrategy = iota
	// PreserveChanges keeps local edits for tracked keys.
	PreserveChanges
	// OverwriteChanges replaces tracked keys with server data.
	OverwriteChanges
	// IgnoreChanges discards server data for tracked keys and leaves
	// change tracking untouched.
	IgnoreChanges
)

var mergeStrategyNames = map[MergeStrategy]string{
	MergeUnset:       "",
	PreserveChanges:  "preserve",
	OverwriteChanges: "overwrite",
	IgnoreChanges:    "ignore",
}

func (m MergeStrategy) String() string {
	return mergeStrategyNames[m]
}

// ParseMergeStrategy parses the names produced by String.
func ParseMergeStrategy(s string) (MergeStrategy, bool) {
	for m, n := range mergeStrategyNames {
		if n == s {
			return m, true
		}
	}
	return MergeUnset, false
}

// Command is the correlated envelope carried on the command bus.
// A completion shares EntityName, CorrelationID, IsOptimistic, MergeStrategy
// and Tag with the command it completes; only Op and Data differ.
type Command struct {
	EntityName    string        `json:"entityName"`
	Op            Op            `json:"op"`
	Data          any           `json:"data,omitempty"`
	CorrelationID string        `json:"correlationId"`
	IsOptimistic  bool          `json:"isOptimistic"`
	MergeStrategy MergeStrategy `json:"mergeStrategy,omitempty"`
	Tag           string        `json:"tag,omitempty"`
}

// Carrier is anything a command can be derived from.
type Carrier interface {
	EntityCommand() Command
}

// EntityCommand implements Carrier.
func (c Command) EntityCommand() Command { return c }

// Action is a command that travelled through a generic action bus under an
// unrelated outer type. The entity command lives in Payload.
type Action struct {
	Type    string  `json:"type"`
	Payload Command `json:"payload"`
}

// EntityCommand implements Carrier.
func (a Action) EntityCommand() Command { return a.Payload }

// ErrorData is the payload of an error completion.
type ErrorData struct {
	OriginalCommand Command           `json:"originalCommand"`
	Error           *DataServiceError `json:"error"`
}

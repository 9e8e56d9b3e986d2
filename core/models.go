package core

// Status channel names inside a session's status document. The two
// channels are updated independently and merged into one document.
const (
	ChannelIndexing = "indexing_status"
	ChannelQuery    = "query_status"
)

// Closed set of user-visible states. Callers poll the status document
// and never see raw errors outside the message field.
const (
	StatusIdle       = "idle"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
	StatusTerminated = "terminated"
)

// StatusPatch is a shallow-key update merged into one status channel.
type StatusPatch map[string]any

// Segment is one fixed-length time slice of a video. Immutable once the
// indexing pipeline has merged transcript and caption into it.
type Segment struct {
	Time       string    `json:"time"` // "<start>-<end>" in seconds
	Content    string    `json:"content"`
	Transcript string    `json:"transcript"`
	Caption    string    `json:"caption"`
	FrameTimes []float64 `json:"frame_times"`
}

// VideoSegments maps a segment index ("0", "1", ...) to its record.
type VideoSegments map[string]Segment

// WorkerKind distinguishes the two pipeline entry points.
type WorkerKind string

const (
	WorkerIndexing WorkerKind = "indexing"
	WorkerQuery    WorkerKind = "query"
)

// Worker name prefixes form the greppable process identities the table
// sweep recognizes: "videorag-index-<chat>" and "videorag-query-<chat>".
const (
	WorkerNamePrefixIndex = "videorag-index-"
	WorkerNamePrefixQuery = "videorag-query-"
)

// ConfigEnvVar carries the orchestrator's serialized configuration into
// a spawned worker process.
const ConfigEnvVar = "VIDEORAG_CONFIG"

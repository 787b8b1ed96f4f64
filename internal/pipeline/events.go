package pipeline

import (
	"encoding/json"
	"math"
	"sync"
	"time"
)

// EventType discriminates progress events.
type EventType string

const (
	EventProcessingStarted   EventType = "processing_started"
	EventBatchStart          EventType = "batch_start"
	EventBatchComplete       EventType = "batch_complete"
	EventBatchError          EventType = "batch_error"
	EventProcessingCompleted EventType = "processing_completed"
	EventProcessingError     EventType = "processing_error"
)

// Event is one progress notification. Which fields are meaningful depends on
// Type; MarshalJSON writes only those.
type Event struct {
	Type      EventType
	RunID     string
	Timestamp time.Time

	TotalIPs        int
	BatchIndex      int // 1-based
	TotalBatches    int
	BatchSize       int
	Successful      int
	Failed          int
	Skipped         int
	ProcessedIPs    int
	ProgressPercent int
	Error           string
	Summary         *Summary
}

type eventHeader struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	h := eventHeader{Type: e.Type, RunID: e.RunID, Timestamp: e.Timestamp}

	switch e.Type {
	case EventProcessingStarted:
		return json.Marshal(struct {
			eventHeader
			TotalIPs int `json:"totalIPs"`
		}{h, e.TotalIPs})
	case EventBatchStart:
		return json.Marshal(struct {
			eventHeader
			BatchIndex   int `json:"batchIndex"`
			TotalBatches int `json:"totalBatches"`
			BatchSize    int `json:"batchSize"`
		}{h, e.BatchIndex, e.TotalBatches, e.BatchSize})
	case EventBatchComplete:
		return json.Marshal(struct {
			eventHeader
			BatchIndex      int `json:"batchIndex"`
			TotalBatches    int `json:"totalBatches"`
			Successful      int `json:"successful"`
			Failed          int `json:"failed"`
			Skipped         int `json:"skipped"`
			ProcessedIPs    int `json:"processedIPs"`
			TotalIPs        int `json:"totalIPs"`
			ProgressPercent int `json:"progressPercent"`
		}{h, e.BatchIndex, e.TotalBatches, e.Successful, e.Failed, e.Skipped,
			e.ProcessedIPs, e.TotalIPs, e.ProgressPercent})
	case EventBatchError:
		return json.Marshal(struct {
			eventHeader
			BatchIndex int    `json:"batchIndex"`
			Error      string `json:"error"`
		}{h, e.BatchIndex, e.Error})
	case EventProcessingCompleted:
		return json.Marshal(struct {
			eventHeader
			Summary *Summary `json:"summary"`
		}{h, e.Summary})
	case EventProcessingError:
		return json.Marshal(struct {
			eventHeader
			Error string `json:"error"`
		}{h, e.Error})
	default:
		return json.Marshal(h)
	}
}

// progressPercent is processed/total as a rounded whole percentage.
func progressPercent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(processed) * 100 / float64(total)))
}

// emitter stamps events with the run ID and serialises delivery to the sink.
type emitter struct {
	mu    sync.Mutex
	sink  Sink
	runID string
	now   func() time.Time
}

func newEmitter(sink Sink, runID string) *emitter {
	if sink == nil {
		sink = Discard
	}
	return &emitter{sink: sink, runID: runID, now: time.Now}
}

func (em *emitter) emit(e Event) {
	em.mu.Lock()
	defer em.mu.Unlock()

	e.RunID = em.runID
	e.Timestamp = em.now().UTC()
	em.sink.Emit(e)
}

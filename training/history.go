package training

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agrisense/agroml/mlerr"
	"github.com/google/uuid"
)

// EpochRecord holds one epoch's metrics. Accuracies are fractions in [0,1].
type EpochRecord struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
	LearningRate  float64 `json:"learning_rate"`
}

// History is the append-only record of a training run. Once frozen it can
// no longer be appended to.
type History struct {
	mu              sync.RWMutex
	runID           uuid.UUID
	records         []EpochRecord
	bestEpoch       int
	bestValAccuracy float64
	stoppedEarly    bool
	testLoss        float64
	testAccuracy    float64
	evaluated       bool
	frozen          bool
}

type historyJSON struct {
	RunID           uuid.UUID     `json:"run_id"`
	Records         []EpochRecord `json:"records"`
	BestEpoch       int           `json:"best_epoch"`
	BestValAccuracy float64       `json:"best_val_accuracy"`
	StoppedEarly    bool          `json:"stopped_early"`
	TestLoss        *float64      `json:"test_loss,omitempty"`
	TestAccuracy    *float64      `json:"test_accuracy,omitempty"`
}

// NewHistory starts an empty history with a fresh run id.
func NewHistory() *History {
	return &History{runID: uuid.New(), bestEpoch: -1}
}

// Append adds r. It fails with mlerr.ErrInvalidArgument once frozen.
func (h *History) Append(r EpochRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frozen {
		return fmt.Errorf("%w: history is frozen", mlerr.ErrInvalidArgument)
	}
	h.records = append(h.records, r)
	if h.bestEpoch < 0 || r.ValAccuracy > h.bestValAccuracy {
		h.bestEpoch = r.Epoch
		h.bestValAccuracy = r.ValAccuracy
	}
	return nil
}

// SetTestMetrics records the held-out evaluation. It fails once frozen.
func (h *History) SetTestMetrics(loss, accuracy float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frozen {
		return fmt.Errorf("%w: history is frozen", mlerr.ErrInvalidArgument)
	}
	h.testLoss, h.testAccuracy, h.evaluated = loss, accuracy, true
	return nil
}

func (h *History) markStoppedEarly() {
	h.mu.Lock()
	h.stoppedEarly = true
	h.mu.Unlock()
}

// Freeze makes the history read-only.
func (h *History) Freeze() {
	h.mu.Lock()
	h.frozen = true
	h.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (h *History) Frozen() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frozen
}

// Len returns the number of recorded epochs.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Records returns a copy of the epoch records.
func (h *History) Records() []EpochRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]EpochRecord(nil), h.records...)
}

// Last returns the most recent record.
func (h *History) Last() (EpochRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.records) == 0 {
		return EpochRecord{}, false
	}
	return h.records[len(h.records)-1], true
}

func (h *History) RunID() uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runID
}

// BestEpoch is the epoch with the highest validation accuracy, or -1.
func (h *History) BestEpoch() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bestEpoch
}

func (h *History) BestValAccuracy() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bestValAccuracy
}

func (h *History) StoppedEarly() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stoppedEarly
}

// TestMetrics returns the held-out loss and accuracy, if evaluated.
func (h *History) TestMetrics() (loss, accuracy float64, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.testLoss, h.testAccuracy, h.evaluated
}

func (h *History) MarshalJSON() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	doc := historyJSON{
		RunID:           h.runID,
		Records:         h.records,
		BestEpoch:       h.bestEpoch,
		BestValAccuracy: h.bestValAccuracy,
		StoppedEarly:    h.stoppedEarly,
	}
	if doc.Records == nil {
		doc.Records = []EpochRecord{}
	}
	if h.evaluated {
		doc.TestLoss, doc.TestAccuracy = &h.testLoss, &h.testAccuracy
	}
	return json.Marshal(doc)
}

// UnmarshalJSON restores a history. Decoded histories are frozen.
func (h *History) UnmarshalJSON(buf []byte) error {
	var doc historyJSON
	if err := json.Unmarshal(buf, &doc); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runID = doc.RunID
	h.records = doc.Records
	h.bestEpoch = doc.BestEpoch
	h.bestValAccuracy = doc.BestValAccuracy
	h.stoppedEarly = doc.StoppedEarly
	if doc.TestLoss != nil && doc.TestAccuracy != nil {
		h.testLoss, h.testAccuracy, h.evaluated = *doc.TestLoss, *doc.TestAccuracy, true
	}
	h.frozen = true
	return nil
}

package diff

import (
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

/*
Estimator approximates how many model tokens a payload would cost to send.
Estimates feed savings accounting only; nothing depends on them for
correctness.
*/
type Estimator interface {
	Estimate(payload any) int
}

/*
HeuristicEstimator counts runes of the JSON serialization and divides by a
fixed characters-per-token ratio.
*/
type HeuristicEstimator struct {
	CharsPerToken float64
}

/*
NewHeuristicEstimator uses the common ~4 characters per token ratio.
*/
func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{CharsPerToken: 4.0}
}

func (estimator *HeuristicEstimator) Estimate(payload any) int {
	text := serialize(payload)

	if text == "" {
		return 0
	}

	ratio := estimator.CharsPerToken

	if ratio <= 0 {
		ratio = 4.0
	}

	return int(float64(utf8.RuneCountInString(text)) / ratio)
}

/*
TiktokenEstimator encodes the JSON serialization with a BPE encoding. Loading
an encoding may need network access the first time, so it is opt-in.
*/
type TiktokenEstimator struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
}

/*
NewTiktokenEstimator loads the named encoding, e.g. cl100k_base.
*/
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)

	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %s: %w", encoding, err)
	}

	return &TiktokenEstimator{encoding: enc}, nil
}

func (estimator *TiktokenEstimator) Estimate(payload any) int {
	text := serialize(payload)

	if text == "" {
		return 0
	}

	estimator.mu.Lock()
	defer estimator.mu.Unlock()

	return len(estimator.encoding.Encode(text, nil, nil))
}

func serialize(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}

	buf, err := json.Marshal(payload)

	if err != nil {
		return fmt.Sprintf("%v", payload)
	}

	return string(buf)
}

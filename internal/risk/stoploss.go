package risk

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

// Legs for entry-price bookkeeping.
const (
	LegYes = "yes"
	LegNo  = "no"
)

// StopLoss is a two-state latch over mark-to-market losses. Once the loss
// percentage against recorded entries passes the threshold it triggers
// exactly once and stays latched until Reset, which also forgets entries.
type StopLoss struct {
	mu        sync.Mutex
	threshold float64 // percent
	entries   map[string]float64
	triggered bool
	log       *zap.Logger
}

func NewStopLoss(thresholdPct float64, log *zap.Logger) *StopLoss {
	return &StopLoss{
		threshold: thresholdPct,
		entries:   make(map[string]float64),
		log:       log,
	}
}

// RecordEntry remembers the price a leg was acquired at. Later entries on
// the same leg overwrite earlier ones.
func (s *StopLoss) RecordEntry(leg string, price float64) {
	if leg != LegYes && leg != LegNo {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[leg] = price
	s.log.Debug("entry price recorded", zap.String("leg", leg), zap.Float64("price", price))
}

// Check compares position value at the current yes mark against value at
// the recorded entries. Returns true only on the armed→triggered edge.
// Unknown entries or a negligible position value never trigger.
func (s *StopLoss) Check(yesPos, noPos, curYesPrice float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.triggered {
		return false
	}
	if yesPos == 0 && noPos == 0 {
		return false
	}

	yesValue := yesPos * curYesPrice
	noValue := noPos * (1 - curYesPrice)
	totalValue := yesValue + noValue
	if math.Abs(totalValue) < 0.01 {
		return false
	}

	var entryValue float64
	if entry, ok := s.entries[LegYes]; ok && yesPos != 0 {
		entryValue += yesPos * entry
	}
	if entry, ok := s.entries[LegNo]; ok && noPos != 0 {
		entryValue += noPos * entry
	}
	if entryValue == 0 {
		return false
	}

	lossPct := (totalValue - entryValue) / entryValue * 100
	if lossPct < -s.threshold {
		s.triggered = true
		s.log.Warn("stop loss triggered",
			zap.Float64("loss_pct", lossPct),
			zap.Float64("threshold_pct", s.threshold),
			zap.Float64("yes_position", yesPos),
			zap.Float64("no_position", noPos),
			zap.Float64("cur_yes_price", curYesPrice),
		)
		return true
	}
	return false
}

// Triggered reports the latched state.
func (s *StopLoss) Triggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered
}

// Reset re-arms the latch after the position has been flattened.
func (s *StopLoss) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered = false
	s.entries = make(map[string]float64)
	s.log.Info("stop loss reset")
}

// Entries returns the recorded entry prices for persistence.
func (s *StopLoss) Entries() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// RestoreEntries reloads persisted entry prices at startup.
func (s *StopLoss) RestoreEntries(entries map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for leg, price := range entries {
		if leg == LegYes || leg == LegNo {
			s.entries[leg] = price
		}
	}
}

// Package core defines the domain model shared by every copytrader component.
package core

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol identifies a perpetual futures contract, e.g. "BTC-USDT".
type Symbol string

// PositionSide is the exchange's hedge-mode position side.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderSide is the exchange's order side.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// MarginMode selects isolated or cross margin for a symbol.
type MarginMode string

const (
	MarginModeCross    MarginMode = "CROSS"
	MarginModeIsolated MarginMode = "ISOLATED"
)

// OpenSideFor returns the order side that opens a position on the given side.
func OpenSideFor(side PositionSide) OrderSide {
	if side == PositionSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseSideFor returns the order side that closes a position on the given side.
func CloseSideFor(side PositionSide) OrderSide {
	if side == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Position is a single open perpetual-futures position as reported by the exchange.
type Position struct {
	Symbol       Symbol
	Side         PositionSide
	Quantity     decimal.Decimal
	MarkPrice    decimal.Decimal
	PositionValue decimal.Decimal
	Leverage     int
	MarginMode   MarginMode
	TakeProfit   decimal.Decimal
	StopLoss     decimal.Decimal
	UnrealizedPNL decimal.Decimal
}

// IsFlat reports whether the position carries no quantity.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// Balance is a single asset's margin balance on an account.
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Equity    decimal.Decimal
	Used      decimal.Decimal
	Total     decimal.Decimal
}

// APICredential is an exchange API key/secret pair.
type APICredential struct {
	APIKey    string
	SecretKey string
}

// Follower is one account whose positions mirror the master.
type Follower struct {
	Name        string // lower-cased display name, also the mirror-state key
	Credential  APICredential
	LastBalance Balance
}

// FollowerPositions tracks the mirrored quantity a single follower holds per symbol.
type FollowerPositions map[Symbol]decimal.Decimal

// MirrorState is the engine's full persisted view of copy-trading progress.
// A single instance is held in memory and round-tripped through a StateStore
// document on every mutation; callers must hold the embedded mutex while
// reading or writing any field.
type MirrorState struct {
	mu sync.Mutex

	// LastPositions is the master's open positions as of the previous poll tick.
	LastPositions map[Symbol]Position

	// CopiedTrades marks which symbols have already been mirrored to followers,
	// so a newly-opened master position is only fanned out once.
	CopiedTrades map[Symbol]bool

	// FollowerPositions is the last known mirrored quantity per follower per symbol.
	FollowerPositions map[string]FollowerPositions

	// ClosedTrades is round-tripped for document-shape compatibility with the
	// persisted schema but is never read back; see DESIGN.md for why in-flight
	// close tracking lives in inFlightCloses instead.
	ClosedTrades map[Symbol]bool

	// inFlightCloses guards against re-entrant close_all/close_partial calls
	// for a symbol while a batch is still executing. Not persisted.
	inFlightCloses map[Symbol]bool

	UpdatedAt time.Time
}

// NewMirrorState returns an empty, ready-to-use MirrorState.
func NewMirrorState() *MirrorState {
	return &MirrorState{
		LastPositions:     make(map[Symbol]Position),
		CopiedTrades:      make(map[Symbol]bool),
		FollowerPositions: make(map[string]FollowerPositions),
		ClosedTrades:      make(map[Symbol]bool),
		inFlightCloses:    make(map[Symbol]bool),
	}
}

// Lock and Unlock expose the state's mutex to callers that need to read and
// mutate several fields atomically (e.g. the sync loop diffing positions).
func (s *MirrorState) Lock()   { s.mu.Lock() }
func (s *MirrorState) Unlock() { s.mu.Unlock() }

// BeginClose marks symbol as having an in-flight close operation. It returns
// false if a close for symbol is already in flight.
func (s *MirrorState) BeginClose(symbol Symbol) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlightCloses[symbol] {
		return false
	}
	s.inFlightCloses[symbol] = true
	return true
}

// EndClose clears the in-flight marker for symbol.
func (s *MirrorState) EndClose(symbol Symbol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlightCloses, symbol)
}

// Snapshot is the wire/document shape persisted by a StateStore.
type Snapshot struct {
	LastPositions     map[Symbol]Position          `firestore:"last_positions"`
	CopiedTrades      map[Symbol]bool              `firestore:"copied_trades"`
	FollowerPositions map[string]FollowerPositions `firestore:"follower_positions"`
	ClosedTrades      []Symbol                      `firestore:"closed_trades"`
	UpdatedAt         time.Time                     `firestore:"updated_at"`
}

// ToSnapshot builds the persisted document shape from the live state.
func (s *MirrorState) ToSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	lp := make(map[Symbol]Position, len(s.LastPositions))
	for k, v := range s.LastPositions {
		lp[k] = v
	}
	ct := make(map[Symbol]bool, len(s.CopiedTrades))
	for k, v := range s.CopiedTrades {
		ct[k] = v
	}
	fp := make(map[string]FollowerPositions, len(s.FollowerPositions))
	for name, positions := range s.FollowerPositions {
		cp := make(FollowerPositions, len(positions))
		for sym, qty := range positions {
			cp[sym] = qty
		}
		fp[name] = cp
	}
	return Snapshot{
		LastPositions:     lp,
		CopiedTrades:      ct,
		FollowerPositions: fp,
		ClosedTrades:      []Symbol{},
		UpdatedAt:         s.UpdatedAt,
	}
}

// LoadSnapshot replaces the live state with a document loaded from storage.
func (s *MirrorState) LoadSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastPositions = snap.LastPositions
	if s.LastPositions == nil {
		s.LastPositions = make(map[Symbol]Position)
	}
	s.CopiedTrades = snap.CopiedTrades
	if s.CopiedTrades == nil {
		s.CopiedTrades = make(map[Symbol]bool)
	}
	s.FollowerPositions = snap.FollowerPositions
	if s.FollowerPositions == nil {
		s.FollowerPositions = make(map[string]FollowerPositions)
	}
	s.ClosedTrades = make(map[Symbol]bool)
	s.inFlightCloses = make(map[Symbol]bool)
}

// SyncEvent is a unit of work queued by the sync loop for the trade workers:
// a master symbol has newly opened and needs to be fanned out to followers.
type SyncEvent struct {
	Symbol       Symbol
	Side         OrderSide
	PositionSide PositionSide
	MasterPct    decimal.Decimal
	Price        decimal.Decimal
	Leverage     int
	MarginMode   MarginMode
	TakeProfit   decimal.Decimal
	StopLoss     decimal.Decimal
}

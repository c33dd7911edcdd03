package resultcache

import (
	"fmt"
	"time"
)

// ScopeKind identifies which level of the result hierarchy a key addresses.
type ScopeKind string

const (
	ScopeOverview ScopeKind = "overview"
	ScopeRack     ScopeKind = "rack"
	ScopeCell     ScopeKind = "cell"
	ScopeLog      ScopeKind = "log"
)

// Scope addresses one result within a job.
//
// RackID is meaningful for rack and cell scopes; ModuleID and CellID only
// for cell scope.
type Scope struct {
	Kind     ScopeKind
	RackID   int
	ModuleID int
	CellID   int
}

// Overview returns the scope of a job's overview result.
func Overview() Scope { return Scope{Kind: ScopeOverview} }

// Rack returns the scope of one rack's detail result.
func Rack(rackID int) Scope { return Scope{Kind: ScopeRack, RackID: rackID} }

// Cell returns the scope of one cell's detail result.
func Cell(rackID, moduleID, cellID int) Scope {
	return Scope{Kind: ScopeCell, RackID: rackID, ModuleID: moduleID, CellID: cellID}
}

// Log returns the scope of a job's log body.
func Log() Scope { return Scope{Kind: ScopeLog} }

func (s Scope) String() string {
	switch s.Kind {
	case ScopeRack:
		return fmt.Sprintf("rack/%d", s.RackID)
	case ScopeCell:
		return fmt.Sprintf("rack/%d/module/%d/cell/%d", s.RackID, s.ModuleID, s.CellID)
	default:
		return string(s.Kind)
	}
}

// Key uniquely identifies a cached result.
type Key struct {
	JobID string
	Scope Scope
}

func (k Key) String() string {
	return k.JobID + "/" + k.Scope.String()
}

// Entry is a fetched result. Entries are immutable once stored; a refetch
// replaces the entry under the same key.
type Entry struct {
	Key       Key
	Data      []byte
	FetchedAt time.Time
}

package domain

import (
	"fmt"
	"slices"
	"time"
)

type Category string

const (
	CategoryInvoices  Category = "invoices"
	CategoryCustomers Category = "customers"
	CategoryProducts  Category = "products"
	CategoryPayments  Category = "payments"
	CategoryReports   Category = "reports"
	CategorySettings  Category = "settings"
)

var AllCategories = []Category{
	CategoryInvoices,
	CategoryCustomers,
	CategoryProducts,
	CategoryPayments,
	CategoryReports,
	CategorySettings,
}

type SyncConfiguration struct {
	SyncInvoices     bool             `json:"syncInvoices" yaml:"syncInvoices"`
	SyncCustomers    bool             `json:"syncCustomers" yaml:"syncCustomers"`
	SyncProducts     bool             `json:"syncProducts" yaml:"syncProducts"`
	SyncPayments     bool             `json:"syncPayments" yaml:"syncPayments"`
	SyncReports      bool             `json:"syncReports" yaml:"syncReports"`
	SyncSettings     bool             `json:"syncSettings" yaml:"syncSettings"`
	SyncFromDate     *time.Time       `json:"syncFromDate,omitempty" yaml:"syncFromDate,omitempty"`
	SyncToDate       *time.Time       `json:"syncToDate,omitempty" yaml:"syncToDate,omitempty"`
	MaxBandwidthKbps int              `json:"maxBandwidthKbps" yaml:"maxBandwidthKbps" validate:"gte=0"`
	CompressData     bool             `json:"compressData" yaml:"compressData"`
	EncryptData      bool             `json:"encryptData" yaml:"encryptData"`
	ExcludedTables   []string         `json:"excludedTables,omitempty" yaml:"excludedTables,omitempty"`
	CustomFilters    map[string]any   `json:"customFilters,omitempty" yaml:"customFilters,omitempty"`
	ConflictPolicy   ResolutionPolicy `json:"conflictPolicy" yaml:"conflictPolicy" validate:"omitempty,oneof=useLocal useRemote merge createBoth skip manual"`
	ChunkSize        int              `json:"chunkSize,omitempty" yaml:"chunkSize,omitempty" validate:"gte=0"`
}

func DefaultSyncConfiguration() SyncConfiguration {
	return SyncConfiguration{
		SyncInvoices:   true,
		SyncCustomers:  true,
		SyncProducts:   true,
		SyncPayments:   true,
		SyncReports:    false,
		SyncSettings:   false,
		CompressData:   true,
		EncryptData:    true,
		ConflictPolicy: ResolutionManual,
	}
}

// Categories returns the enabled categories minus the exclusion list, in
// canonical order.
func (c SyncConfiguration) Categories() []Category {
	enabled := map[Category]bool{
		CategoryInvoices:  c.SyncInvoices,
		CategoryCustomers: c.SyncCustomers,
		CategoryProducts:  c.SyncProducts,
		CategoryPayments:  c.SyncPayments,
		CategoryReports:   c.SyncReports,
		CategorySettings:  c.SyncSettings,
	}

	var out []Category
	for _, cat := range AllCategories {
		if enabled[cat] && !slices.Contains(c.ExcludedTables, string(cat)) {
			out = append(out, cat)
		}
	}
	return out
}

// InWindow reports whether t falls inside the optional date window.
func (c SyncConfiguration) InWindow(t time.Time) bool {
	if c.SyncFromDate != nil && t.Before(*c.SyncFromDate) {
		return false
	}
	if c.SyncToDate != nil && t.After(*c.SyncToDate) {
		return false
	}
	return true
}

func (c SyncConfiguration) Policy() ResolutionPolicy {
	if c.ConflictPolicy == "" {
		return ResolutionManual
	}
	return c.ConflictPolicy
}

func (c SyncConfiguration) Check() error {
	if c.SyncFromDate != nil && c.SyncToDate != nil && c.SyncToDate.Before(*c.SyncFromDate) {
		return fmt.Errorf("syncToDate %s is before syncFromDate %s", c.SyncToDate.Format(time.RFC3339), c.SyncFromDate.Format(time.RFC3339))
	}
	if len(c.Categories()) == 0 {
		return fmt.Errorf("no record categories selected")
	}
	return nil
}

type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionActive       SessionState = "active"
	SessionPaused       SessionState = "paused"
	SessionCompleted    SessionState = "completed"
	SessionFailed       SessionState = "failed"
	SessionCancelled    SessionState = "cancelled"
)

func (s SessionState) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

type SessionOutcome string

const (
	OutcomeSuccess                SessionOutcome = "success"
	OutcomeCompletedWithConflicts SessionOutcome = "completedWithConflicts"
	OutcomeFailed                 SessionOutcome = "failed"
	OutcomeCancelled              SessionOutcome = "cancelled"
	OutcomePending                SessionOutcome = "pending"
)

type SyncProgress struct {
	TotalItems          int              `json:"totalItems"`
	ProcessedItems      int              `json:"processedItems"`
	SuccessfulItems     int              `json:"successfulItems"`
	FailedItems         int              `json:"failedItems"`
	SkippedItems        int              `json:"skippedItems"`
	Percentage          float64          `json:"progressPercentage"`
	BytesTransferred    int64            `json:"bytesTransferred"`
	TotalBytes          int64            `json:"totalBytes"`
	EstimatedCompletion *time.Time       `json:"estimatedCompletion,omitempty"`
	CurrentOperation    string           `json:"currentOperation,omitempty"`
	CategoryCounts      map[Category]int `json:"categoryCounts,omitempty"`
}

func (p SyncProgress) Clone() SyncProgress {
	out := p
	if p.CategoryCounts != nil {
		out.CategoryCounts = make(map[Category]int, len(p.CategoryCounts))
		for k, v := range p.CategoryCounts {
			out.CategoryCounts[k] = v
		}
	}
	if p.EstimatedCompletion != nil {
		eta := *p.EstimatedCompletion
		out.EstimatedCompletion = &eta
	}
	return out
}

type SyncSession struct {
	ID           string            `json:"id"`
	Initiator    string            `json:"initiator"`
	Participants []string          `json:"participants"`
	State        SessionState      `json:"state"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Config       SyncConfiguration `json:"configuration"`
	Progress     SyncProgress      `json:"progress"`
	Conflicts    []SyncConflict    `json:"conflicts"`
	Error        string            `json:"error,omitempty"`
}

func (s *SyncSession) UnresolvedConflicts() []SyncConflict {
	var out []SyncConflict
	for _, c := range s.Conflicts {
		if c.Resolution == nil {
			out = append(out, c)
		}
	}
	return out
}

func (s *SyncSession) Outcome() SessionOutcome {
	switch s.State {
	case SessionCompleted:
		if len(s.UnresolvedConflicts()) > 0 {
			return OutcomeCompletedWithConflicts
		}
		return OutcomeSuccess
	case SessionFailed:
		return OutcomeFailed
	case SessionCancelled:
		return OutcomeCancelled
	default:
		return OutcomePending
	}
}

// Clone deep-copies the session so snapshots handed to callers never alias
// the orchestrator's working copy.
func (s *SyncSession) Clone() *SyncSession {
	out := *s
	out.Participants = slices.Clone(s.Participants)
	out.Progress = s.Progress.Clone()
	out.Conflicts = make([]SyncConflict, len(s.Conflicts))
	for i, c := range s.Conflicts {
		out.Conflicts[i] = c.Clone()
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

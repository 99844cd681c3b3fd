package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/carewatch/internal/risk"
)

// MemoryStore keeps everything in process memory, for development mode and
// tests. It implements Store and SettingsStore. Returned records are copies.
type MemoryStore struct {
	mu           sync.RWMutex
	patients     map[string]*Patient
	transactions map[string][]*Transaction    // by patient, insertion order
	assessments  map[string][]*RiskAssessment // by patient, insertion order
	alerts       map[string]*Alert
	alertOrder   []string
	settings     map[settingsKey]*AlertSettings
}

type settingsKey struct {
	caregiverID string
	patientID   string
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ SettingsStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:     make(map[string]*Patient),
		transactions: make(map[string][]*Transaction),
		assessments:  make(map[string][]*RiskAssessment),
		alerts:       make(map[string]*Alert),
		settings:     make(map[settingsKey]*AlertSettings),
	}
}

func (m *MemoryStore) CreatePatient(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPatient(_ context.Context, id string) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPatients(_ context.Context, limit int) ([]*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Patient, 0, len(m.patients))
	for _, p := range m.patients {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) UpdateRiskLevel(_ context.Context, patientID string, level risk.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[patientID]
	if !ok {
		return ErrPatientNotFound
	}
	p.RiskLevel = level
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[tx.PatientID]; !ok {
		return ErrPatientNotFound
	}
	cp := *tx
	cp.Reasons = append([]string(nil), tx.Reasons...)
	m.transactions[tx.PatientID] = append(m.transactions[tx.PatientID], &cp)
	return nil
}

// RecentTransactions returns up to limit transactions, newest timestamp first.
func (m *MemoryStore) RecentTransactions(_ context.Context, patientID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return truncate(m.newestFirst(patientID, time.Time{}), limit), nil
}

// TransactionsSince returns transactions with a timestamp at or after since.
func (m *MemoryStore) TransactionsSince(_ context.Context, patientID string, since time.Time) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.newestFirst(patientID, since), nil
}

// newestFirst must be called with the read lock held.
func (m *MemoryStore) newestFirst(patientID string, since time.Time) []*Transaction {
	stored := m.transactions[patientID]
	result := make([]*Transaction, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		tx := stored[i]
		if !since.IsZero() && tx.Timestamp.Before(since) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	// Stable keeps later insertions first among equal timestamps.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result
}

func (m *MemoryStore) CreateAssessment(_ context.Context, a *RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.Recommendations = append([]string(nil), a.Recommendations...)
	m.assessments[a.PatientID] = append(m.assessments[a.PatientID], &cp)
	return nil
}

func (m *MemoryStore) LatestAssessment(_ context.Context, patientID string) (*RiskAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.assessments[patientID]
	if len(list) == 0 {
		return nil, ErrAssessmentNotFound
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (m *MemoryStore) ListAssessments(_ context.Context, patientID string, limit int) ([]*RiskAssessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.assessments[patientID]
	result := make([]*RiskAssessment, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		cp := *list[i]
		result = append(result, &cp)
	}
	return truncate(result, limit), nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	m.alertOrder = append(m.alertOrder, a.ID)
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, patientID string, unresolvedOnly bool, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Alert
	for i := len(m.alertOrder) - 1; i >= 0; i-- {
		a := m.alerts[m.alertOrder[i]]
		if a.PatientID != patientID || (unresolvedOnly && a.IsResolved) {
			continue
		}
		cp := *a
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkAlertRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	a.IsRead = true
	return nil
}

func (m *MemoryStore) ResolveAlert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	a.IsResolved = true
	return nil
}

func (m *MemoryStore) UpsertSettings(_ context.Context, s *AlertSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.settings[settingsKey{s.CaregiverID, s.PatientID}] = &cp
	return nil
}

func (m *MemoryStore) GetSettings(_ context.Context, caregiverID, patientID string) (*AlertSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[settingsKey{caregiverID, patientID}]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSettings returns every caregiver's settings for a patient, ordered by
// caregiver id.
func (m *MemoryStore) ListSettings(_ context.Context, patientID string) ([]*AlertSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*AlertSettings
	for k, s := range m.settings {
		if k.patientID == patientID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CaregiverID < result[j].CaregiverID })
	return result, nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

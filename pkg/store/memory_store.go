package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"meditext/pkg/domain"
)

// MemoryStore keeps records in-process. It enforces the same uniqueness and
// conditional-update rules as GormStore and is used by tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	patients    map[string]domain.Patient
	phones      map[string]string // phone -> patient ID
	medications map[string]domain.Medication
	reminders   map[string]domain.Reminder
	reminderDay map[string]string // medicationID|day -> reminder ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:    make(map[string]domain.Patient),
		phones:      make(map[string]string),
		medications: make(map[string]domain.Medication),
		reminders:   make(map[string]domain.Reminder),
		reminderDay: make(map[string]string),
	}
}

func (m *MemoryStore) SavePatient(_ context.Context, p domain.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.phones[p.Phone]; ok && owner != p.ID {
		return ErrDuplicate
	}
	if prev, ok := m.patients[p.ID]; ok && prev.Phone != p.Phone {
		delete(m.phones, prev.Phone)
	}
	m.patients[p.ID] = p
	m.phones[p.Phone] = p.ID
	return nil
}

func (m *MemoryStore) GetPatient(_ context.Context, id string) (domain.Patient, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	return p, ok, nil
}

func (m *MemoryStore) GetPatientByPhone(_ context.Context, phone string) (domain.Patient, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.phones[phone]
	if !ok {
		return domain.Patient{}, false, nil
	}
	return m.patients[id], true, nil
}

func (m *MemoryStore) SaveMedication(_ context.Context, med domain.Medication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.medications[med.ID]; ok {
		med.TotalDoses = prev.TotalDoses
		med.TakenDoses = prev.TakenDoses
		med.MissedDoses = prev.MissedDoses
		med.AdherenceRate = prev.AdherenceRate
		med.CreatedAt = prev.CreatedAt
	}
	med.Times = slices.Clone(med.Times)
	m.medications[med.ID] = med
	return nil
}

func (m *MemoryStore) GetMedication(_ context.Context, id string) (domain.Medication, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	med, ok := m.medications[id]
	if !ok {
		return domain.Medication{}, false, nil
	}
	med.Times = slices.Clone(med.Times)
	return med, true, nil
}

func (m *MemoryStore) ListActiveMedications(_ context.Context) ([]domain.Medication, error) {
	return m.filterMedications(func(med domain.Medication) bool {
		return med.Status == domain.MedicationActive
	}), nil
}

func (m *MemoryStore) ListMedicationsByPatient(_ context.Context, patientID string, status domain.MedicationStatus) ([]domain.Medication, error) {
	return m.filterMedications(func(med domain.Medication) bool {
		return med.PatientID == patientID && (status == "" || med.Status == status)
	}), nil
}

func (m *MemoryStore) filterMedications(keep func(domain.Medication) bool) []domain.Medication {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Medication, 0, len(m.medications))
	for _, med := range m.medications {
		if keep(med) {
			med.Times = slices.Clone(med.Times)
			res = append(res, med)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res
}

func (m *MemoryStore) RecordDose(_ context.Context, medicationID string, taken bool) (domain.Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	med, ok := m.medications[medicationID]
	if !ok {
		return domain.Medication{}, ErrNotFound
	}
	med.TotalDoses++
	if taken {
		med.TakenDoses++
	} else {
		med.MissedDoses++
	}
	med.AdherenceRate = adherenceRate(med.TakenDoses, med.TotalDoses)
	med.UpdatedAt = time.Now().UTC()
	m.medications[medicationID] = med
	med.Times = slices.Clone(med.Times)
	return med, nil
}

func (m *MemoryStore) CreateReminder(_ context.Context, r domain.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reminders[r.ID]; exists {
		return ErrDuplicate
	}
	if r.MedicationID != "" {
		key := r.MedicationID + "|" + r.ReminderDay
		if _, exists := m.reminderDay[key]; exists {
			return ErrDuplicate
		}
		m.reminderDay[key] = r.ID
	}
	m.reminders[r.ID] = r
	return nil
}

func (m *MemoryStore) HasReminderForDay(_ context.Context, medicationID, day string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.reminderDay[medicationID+"|"+day]
	return ok, nil
}

func (m *MemoryStore) GetReminder(_ context.Context, id string) (domain.Reminder, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reminders[id]
	return r, ok, nil
}

func (m *MemoryStore) LatestSentReminder(_ context.Context, phone string, since time.Time) (domain.Reminder, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  domain.Reminder
		found bool
	)
	for _, r := range m.reminders {
		if r.Phone != phone || r.Status != domain.ReminderSent || r.SentAt == nil {
			continue
		}
		if r.SentAt.Before(since) {
			continue
		}
		if !found || r.SentAt.After(*best.SentAt) {
			best, found = r, true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) ListRemindersByPatient(_ context.Context, patientID string, limit int) ([]domain.Reminder, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Reminder, 0)
	for _, r := range m.reminders {
		if r.PatientID == patientID {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) TransitionReminder(_ context.Context, id string, t Transition) (domain.Reminder, error) {
	if len(t.From) == 0 {
		return domain.Reminder{}, errors.New("transition requires source statuses")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return domain.Reminder{}, ErrNotFound
	}
	if !slices.Contains(t.From, r.Status) {
		return r, ErrConflict
	}
	if t.RequireRetryBudget && r.RetryCount >= r.MaxRetries {
		return r, ErrConflict
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	r.Status = t.To
	r.UpdatedAt = at.UTC()
	if t.IncrementRetry {
		r.RetryCount++
	}
	if t.Response != nil {
		r.Response = *t.Response
	}
	if t.FailureReason != nil {
		r.FailureReason = *t.FailureReason
	}
	if t.SentAt != nil {
		v := t.SentAt.UTC()
		r.SentAt = &v
	}
	if t.RespondedAt != nil {
		v := t.RespondedAt.UTC()
		r.RespondedAt = &v
	}
	if t.LastAttempt != nil {
		v := t.LastAttempt.UTC()
		r.LastAttempt = &v
	}
	m.reminders[id] = r
	return r, nil
}

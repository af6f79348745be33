package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"meditext/pkg/domain"
)

const migrateLockID int64 = 41861003

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&PatientModel{}, &MedicationModel{}, &ReminderModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SavePatient registers or updates a patient. A phone already owned by
// another patient yields ErrDuplicate.
func (s *GormStore) SavePatient(ctx context.Context, p domain.Patient) error {
	model := patientToModel(p)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "phone"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// GetPatient returns a patient by ID.
func (s *GormStore) GetPatient(ctx context.Context, id string) (domain.Patient, bool, error) {
	var model PatientModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Patient{}, false, nil
		}
		return domain.Patient{}, false, err
	}
	return patientFromModel(model), true, nil
}

// GetPatientByPhone looks up a patient by canonical phone.
func (s *GormStore) GetPatientByPhone(ctx context.Context, phone string) (domain.Patient, bool, error) {
	var model PatientModel
	if err := s.db.WithContext(ctx).Where("phone = ?", phone).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Patient{}, false, nil
		}
		return domain.Patient{}, false, err
	}
	return patientFromModel(model), true, nil
}

// SaveMedication stores or updates a medication. Dose counters are only
// written on insert; afterwards RecordDose owns them.
func (s *GormStore) SaveMedication(ctx context.Context, m domain.Medication) error {
	model, err := medicationToModel(m)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "dosage", "frequency", "times", "instructions", "status", "updated_at"}),
	}).Create(&model).Error
}

// GetMedication retrieves a medication.
func (s *GormStore) GetMedication(ctx context.Context, id string) (domain.Medication, bool, error) {
	var model MedicationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Medication{}, false, nil
		}
		return domain.Medication{}, false, err
	}
	return medicationFromModel(model), true, nil
}

// ListActiveMedications returns every active medication across patients.
func (s *GormStore) ListActiveMedications(ctx context.Context) ([]domain.Medication, error) {
	return s.listMedications(ctx, "status = ?", string(domain.MedicationActive))
}

// ListMedicationsByPatient returns a patient's medications, newest first.
// An empty status returns all of them.
func (s *GormStore) ListMedicationsByPatient(ctx context.Context, patientID string, status domain.MedicationStatus) ([]domain.Medication, error) {
	if status == "" {
		return s.listMedications(ctx, "patient_id = ?", patientID)
	}
	return s.listMedications(ctx, "patient_id = ? AND status = ?", patientID, string(status))
}

func (s *GormStore) listMedications(ctx context.Context, query string, args ...any) ([]domain.Medication, error) {
	var models []MedicationModel
	if err := s.db.WithContext(ctx).Where(query, args...).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Medication, 0, len(models))
	for _, m := range models {
		res = append(res, medicationFromModel(m))
	}
	return res, nil
}

// RecordDose increments counters in a single UPDATE so concurrent outcomes
// for the same medication never lose an increment.
func (s *GormStore) RecordDose(ctx context.Context, medicationID string, taken bool) (domain.Medication, error) {
	takenInc, missedInc := 0, 1
	if taken {
		takenInc, missedInc = 1, 0
	}
	res := s.db.WithContext(ctx).Model(&MedicationModel{}).
		Where("id = ?", medicationID).
		Updates(map[string]any{
			"total_doses":    gorm.Expr("total_doses + 1"),
			"taken_doses":    gorm.Expr("taken_doses + ?", takenInc),
			"missed_doses":   gorm.Expr("missed_doses + ?", missedInc),
			"adherence_rate": gorm.Expr("ROUND((taken_doses + ?) * 100.0 / (total_doses + 1))", takenInc),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return domain.Medication{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Medication{}, ErrNotFound
	}
	med, ok, err := s.GetMedication(ctx, medicationID)
	if err != nil {
		return domain.Medication{}, err
	}
	if !ok {
		return domain.Medication{}, ErrNotFound
	}
	return med, nil
}

// CreateReminder inserts with ON CONFLICT DO NOTHING; the unique
// (medication_id, reminder_day) index makes concurrent evaluators collapse to
// a single row.
func (s *GormStore) CreateReminder(ctx context.Context, r domain.Reminder) error {
	model, err := reminderToModel(r)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// HasReminderForDay reports whether a reminder exists for the medication on day.
func (s *GormStore) HasReminderForDay(ctx context.Context, medicationID, day string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ReminderModel{}).
		Where("medication_id = ? AND reminder_day = ?", medicationID, day).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetReminder retrieves a reminder.
func (s *GormStore) GetReminder(ctx context.Context, id string) (domain.Reminder, bool, error) {
	var model ReminderModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Reminder{}, false, nil
		}
		return domain.Reminder{}, false, err
	}
	return reminderFromModel(model), true, nil
}

// LatestSentReminder returns the most recently sent reminder for phone.
func (s *GormStore) LatestSentReminder(ctx context.Context, phone string, since time.Time) (domain.Reminder, bool, error) {
	var model ReminderModel
	err := s.db.WithContext(ctx).
		Where("phone = ? AND status = ? AND sent_at >= ?", phone, string(domain.ReminderSent), since.UTC()).
		Order("sent_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Reminder{}, false, nil
		}
		return domain.Reminder{}, false, err
	}
	return reminderFromModel(model), true, nil
}

// ListRemindersByPatient returns the latest reminders for a patient, newest first.
func (s *GormStore) ListRemindersByPatient(ctx context.Context, patientID string, limit int) ([]domain.Reminder, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []ReminderModel
	if err := s.db.WithContext(ctx).Where("patient_id = ?", patientID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Reminder, 0, len(models))
	for _, m := range models {
		res = append(res, reminderFromModel(m))
	}
	return res, nil
}

// TransitionReminder runs a single conditional UPDATE guarded by the current status.
func (s *GormStore) TransitionReminder(ctx context.Context, id string, t Transition) (domain.Reminder, error) {
	if len(t.From) == 0 {
		return domain.Reminder{}, errors.New("transition requires source statuses")
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	updates := map[string]any{
		"status":     string(t.To),
		"updated_at": at.UTC(),
	}
	if t.IncrementRetry {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}
	if t.Response != nil {
		updates["response"] = *t.Response
	}
	if t.FailureReason != nil {
		updates["failure_reason"] = *t.FailureReason
	}
	if t.SentAt != nil {
		updates["sent_at"] = t.SentAt.UTC()
	}
	if t.RespondedAt != nil {
		updates["responded_at"] = t.RespondedAt.UTC()
	}
	if t.LastAttempt != nil {
		updates["last_attempt"] = t.LastAttempt.UTC()
	}
	q := s.db.WithContext(ctx).Model(&ReminderModel{}).
		Where("id = ? AND status IN ?", id, statusStrings(t.From))
	if t.RequireRetryBudget {
		q = q.Where("retry_count < max_retries")
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return domain.Reminder{}, res.Error
	}
	reminder, ok, err := s.GetReminder(ctx, id)
	if err != nil {
		return domain.Reminder{}, err
	}
	if !ok {
		return domain.Reminder{}, ErrNotFound
	}
	if res.RowsAffected == 0 {
		return reminder, ErrConflict
	}
	return reminder, nil
}

func patientToModel(p domain.Patient) PatientModel {
	return PatientModel{
		ID:        p.ID,
		Name:      p.Name,
		Email:     p.Email,
		Phone:     p.Phone,
		CreatedAt: p.CreatedAt,
	}
}

func patientFromModel(m PatientModel) domain.Patient {
	return domain.Patient{
		ID:        m.ID,
		Name:      m.Name,
		Email:     m.Email,
		Phone:     m.Phone,
		CreatedAt: m.CreatedAt,
	}
}

func medicationToModel(m domain.Medication) (MedicationModel, error) {
	times, err := json.Marshal(m.Times)
	if err != nil {
		return MedicationModel{}, fmt.Errorf("marshal medication times: %w", err)
	}
	return MedicationModel{
		ID:            m.ID,
		PatientID:     m.PatientID,
		Name:          m.Name,
		Dosage:        m.Dosage,
		Frequency:     m.Frequency,
		Times:         times,
		Instructions:  m.Instructions,
		Status:        string(m.Status),
		TotalDoses:    m.TotalDoses,
		TakenDoses:    m.TakenDoses,
		MissedDoses:   m.MissedDoses,
		AdherenceRate: m.AdherenceRate,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func medicationFromModel(m MedicationModel) domain.Medication {
	var times []string
	if len(m.Times) > 0 {
		_ = json.Unmarshal(m.Times, &times)
	}
	status := domain.MedicationStatus(m.Status)
	if status == "" {
		status = domain.MedicationActive
	}
	return domain.Medication{
		ID:            m.ID,
		PatientID:     m.PatientID,
		Name:          m.Name,
		Dosage:        m.Dosage,
		Frequency:     m.Frequency,
		Times:         times,
		Instructions:  m.Instructions,
		Status:        status,
		TotalDoses:    m.TotalDoses,
		TakenDoses:    m.TakenDoses,
		MissedDoses:   m.MissedDoses,
		AdherenceRate: m.AdherenceRate,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func reminderToModel(r domain.Reminder) (ReminderModel, error) {
	var medicationID *string
	if v := strings.TrimSpace(r.MedicationID); v != "" {
		medicationID = &v
	}
	var variables []byte
	if len(r.Variables) > 0 {
		raw, err := json.Marshal(r.Variables)
		if err != nil {
			return ReminderModel{}, fmt.Errorf("marshal reminder variables: %w", err)
		}
		variables = raw
	}
	return ReminderModel{
		ID:               r.ID,
		Kind:             string(r.Kind),
		PatientID:        r.PatientID,
		MedicationID:     medicationID,
		MedicationName:   r.MedicationName,
		Dosage:           r.Dosage,
		ScheduledTime:    r.ScheduledTime,
		ReminderDay:      r.ReminderDay,
		Phone:            r.Phone,
		Body:             r.Body,
		Variables:        variables,
		Status:           string(r.Status),
		Response:         r.Response,
		SentAt:           r.SentAt,
		RespondedAt:      r.RespondedAt,
		Priority:         string(r.Priority),
		Category:         string(r.Category),
		Channel:          string(r.Channel),
		RetryCount:       r.RetryCount,
		MaxRetries:       r.MaxRetries,
		LastAttempt:      r.LastAttempt,
		FailureReason:    r.FailureReason,
		ResponseExpected: r.ResponseExpected,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func reminderFromModel(m ReminderModel) domain.Reminder {
	medicationID := ""
	if m.MedicationID != nil {
		medicationID = *m.MedicationID
	}
	var variables map[string]string
	if len(m.Variables) > 0 {
		_ = json.Unmarshal(m.Variables, &variables)
	}
	return domain.Reminder{
		ID:               m.ID,
		Kind:             domain.MessageKind(m.Kind),
		PatientID:        m.PatientID,
		MedicationID:     medicationID,
		MedicationName:   m.MedicationName,
		Dosage:           m.Dosage,
		ScheduledTime:    m.ScheduledTime,
		ReminderDay:      m.ReminderDay,
		Phone:            m.Phone,
		Body:             m.Body,
		Variables:        variables,
		Status:           domain.ReminderStatus(m.Status),
		Response:         m.Response,
		SentAt:           m.SentAt,
		RespondedAt:      m.RespondedAt,
		Priority:         domain.Priority(m.Priority),
		Category:         domain.Category(m.Category),
		Channel:          domain.Channel(m.Channel),
		RetryCount:       m.RetryCount,
		MaxRetries:       m.MaxRetries,
		LastAttempt:      m.LastAttempt,
		FailureReason:    m.FailureReason,
		ResponseExpected: m.ResponseExpected,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

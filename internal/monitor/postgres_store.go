package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/carewatch/internal/risk"
)

// Compile-time checks that PostgresStore implements both stores.
var (
	_ Store         = (*PostgresStore)(nil)
	_ SettingsStore = (*PostgresStore)(nil)
)

// PostgresStore implements Store and SettingsStore backed by PostgreSQL.
// The schema lives in the migrations directory.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreatePatient(ctx context.Context, pt *Patient) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO patients (
			id, name, age, risk_level, dementia_stage, avg_monthly_spending,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
	`,
		pt.ID, pt.Name, pt.Age, string(pt.RiskLevel), string(pt.DementiaStage),
		pt.AvgMonthlySpending, pt.CreatedAt, pt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

const patientColumns = `id, name, age, risk_level, COALESCE(dementia_stage, ''),
	avg_monthly_spending, created_at, updated_at`

func (p *PostgresStore) GetPatient(ctx context.Context, id string) (*Patient, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	pt, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return pt, nil
}

func (p *PostgresStore) ListPatients(ctx context.Context, limit int) ([]*Patient, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+patientColumns+` FROM patients
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var result []*Patient
	for rows.Next() {
		pt, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		result = append(result, pt)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateRiskLevel(ctx context.Context, patientID string, level risk.Level) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE patients SET risk_level = $2, updated_at = NOW() WHERE id = $1
	`, patientID, string(level))
	if err != nil {
		return fmt.Errorf("update risk level: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update risk level: %w", err)
	}
	if n == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, patient_id, amount, type, location, merchant, description,
			timestamp, utc_offset, is_anomaly, risk_score, reasons, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		tx.ID, tx.PatientID, tx.Amount, string(tx.Type), tx.Location, tx.Merchant, tx.Description,
		tx.Timestamp, utcOffset(tx.Timestamp), tx.IsAnomaly, tx.RiskScore, pq.Array(nonNil(tx.Reasons)), tx.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, patient_id, amount, type, location, merchant, description,
	timestamp, utc_offset, is_anomaly, risk_score, reasons, created_at`

func (p *PostgresStore) RecentTransactions(ctx context.Context, patientID string, limit int) ([]*Transaction, error) {
	return p.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE patient_id = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT $2
	`, patientID, nullLimit(limit))
}

func (p *PostgresStore) TransactionsSince(ctx context.Context, patientID string, since time.Time) ([]*Transaction, error) {
	return p.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE patient_id = $1 AND timestamp >= $2
		ORDER BY timestamp DESC, seq DESC
	`, patientID, since)
}

// utcOffset returns the offset of t in seconds east of UTC.
func utcOffset(t time.Time) int {
	_, offset := t.Zone()
	return offset
}

func (p *PostgresStore) queryTransactions(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		tx := &Transaction{}
		var txType string
		var offset int
		var reasons pq.StringArray
		if err := rows.Scan(
			&tx.ID, &tx.PatientID, &tx.Amount, &txType, &tx.Location, &tx.Merchant, &tx.Description,
			&tx.Timestamp, &offset, &tx.IsAnomaly, &tx.RiskScore, &reasons, &tx.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Timestamp = tx.Timestamp.In(time.FixedZone("", offset))
		tx.Type = risk.TransactionType(txType)
		tx.Reasons = []string(reasons)
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateAssessment(ctx context.Context, a *RiskAssessment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (
			id, patient_id, frequency_score, amount_score, timing_score, location_score,
			total_score, risk_level, recommendations, assessment_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID, a.PatientID, a.FrequencyScore, a.AmountScore, a.TimingScore, a.LocationScore,
		a.TotalScore, string(a.RiskLevel), pq.Array(nonNil(a.Recommendations)), a.AssessmentDate,
	)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}

const assessmentColumns = `id, patient_id, frequency_score, amount_score, timing_score, location_score,
	total_score, risk_level, recommendations, assessment_date`

func (p *PostgresStore) LatestAssessment(ctx context.Context, patientID string) (*RiskAssessment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+assessmentColumns+` FROM risk_assessments
		WHERE patient_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, patientID)
	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssessmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest assessment: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) ListAssessments(ctx context.Context, patientID string, limit int) ([]*RiskAssessment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+assessmentColumns+` FROM risk_assessments
		WHERE patient_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, patientID, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	var result []*RiskAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateAlert(ctx context.Context, a *Alert) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alerts (
			id, patient_id, transaction_id, type, severity, title, message,
			is_read, is_resolved, created_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID, a.PatientID, a.TransactionID, string(a.Type), string(a.Severity), a.Title, a.Message,
		a.IsRead, a.IsResolved, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

const alertColumns = `id, patient_id, COALESCE(transaction_id, ''), type, severity, title, message,
	is_read, is_resolved, created_at`

func (p *PostgresStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) ListAlerts(ctx context.Context, patientID string, unresolvedOnly bool, limit int) ([]*Alert, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE patient_id = $1 AND (NOT $2 OR NOT is_resolved)
		ORDER BY seq DESC
		LIMIT $3
	`, patientID, unresolvedOnly, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var result []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkAlertRead(ctx context.Context, id string) error {
	return p.setAlertFlag(ctx, `UPDATE alerts SET is_read = TRUE WHERE id = $1`, id)
}

func (p *PostgresStore) ResolveAlert(ctx context.Context, id string) error {
	return p.setAlertFlag(ctx, `UPDATE alerts SET is_resolved = TRUE WHERE id = $1`, id)
}

func (p *PostgresStore) setAlertFlag(ctx context.Context, query, id string) error {
	res, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (p *PostgresStore) UpsertSettings(ctx context.Context, s *AlertSettings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alert_settings (caregiver_id, patient_id, immediate_alerts, threshold, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (caregiver_id, patient_id) DO UPDATE SET
			immediate_alerts = EXCLUDED.immediate_alerts,
			threshold = EXCLUDED.threshold,
			updated_at = EXCLUDED.updated_at
	`, s.CaregiverID, s.PatientID, s.ImmediateAlerts, s.Threshold, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert alert settings: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSettings(ctx context.Context, caregiverID, patientID string) (*AlertSettings, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT caregiver_id, patient_id, immediate_alerts, threshold, updated_at
		FROM alert_settings WHERE caregiver_id = $1 AND patient_id = $2
	`, caregiverID, patientID)
	s, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert settings: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListSettings(ctx context.Context, patientID string) ([]*AlertSettings, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT caregiver_id, patient_id, immediate_alerts, threshold, updated_at
		FROM alert_settings WHERE patient_id = $1
		ORDER BY caregiver_id
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list alert settings: %w", err)
	}
	defer rows.Close()

	var result []*AlertSettings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert settings: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPatient(sc scanner) (*Patient, error) {
	pt := &Patient{}
	var level, stage string
	if err := sc.Scan(
		&pt.ID, &pt.Name, &pt.Age, &level, &stage,
		&pt.AvgMonthlySpending, &pt.CreatedAt, &pt.UpdatedAt,
	); err != nil {
		return nil, err
	}
	pt.RiskLevel = risk.Level(level)
	pt.DementiaStage = risk.DementiaStage(stage)
	return pt, nil
}

func scanAssessment(sc scanner) (*RiskAssessment, error) {
	a := &RiskAssessment{}
	var level string
	var recs pq.StringArray
	if err := sc.Scan(
		&a.ID, &a.PatientID, &a.FrequencyScore, &a.AmountScore, &a.TimingScore, &a.LocationScore,
		&a.TotalScore, &level, &recs, &a.AssessmentDate,
	); err != nil {
		return nil, err
	}
	a.RiskLevel = risk.Level(level)
	a.Recommendations = []string(recs)
	return a, nil
}

func scanAlert(sc scanner) (*Alert, error) {
	a := &Alert{}
	var alertType, severity string
	if err := sc.Scan(
		&a.ID, &a.PatientID, &a.TransactionID, &alertType, &severity, &a.Title, &a.Message,
		&a.IsRead, &a.IsResolved, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.Type = risk.AlertType(alertType)
	a.Severity = risk.Severity(severity)
	return a, nil
}

func scanSettings(sc scanner) (*AlertSettings, error) {
	s := &AlertSettings{}
	if err := sc.Scan(&s.CaregiverID, &s.PatientID, &s.ImmediateAlerts, &s.Threshold, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return s, nil
}

// nullLimit maps a non-positive limit to SQL NULL, which Postgres treats as
// LIMIT ALL.
func nullLimit(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

// nonNil keeps NULL out of the NOT NULL array columns.
func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

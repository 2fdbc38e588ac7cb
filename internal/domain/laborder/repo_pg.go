package laborder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicalrecord/internal/platform/db"
	"github.com/ehr/clinicalrecord/internal/platform/lifecycle"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const orderCols = `id, order_number, patient_id, doctor_id, encounter_id,
	status, priority, order_date, clinical_notes,
	sample_status, sample_number, sample_collection_date, sample_collected_by,
	received_in_lab_date, received_by, completed_date,
	cancelled_at, cancelled_by, cancel_reason,
	critical_value_alerted, tests, version_id, created_at, updated_at`

func (r *orderRepoPG) scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var tests []byte
	err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientID, &o.DoctorID, &o.EncounterID,
		&o.Status, &o.Priority, &o.OrderDate, &o.ClinicalNotes,
		&o.SampleStatus, &o.SampleNumber, &o.SampleCollectionDate, &o.SampleCollectedBy,
		&o.ReceivedInLabDate, &o.ReceivedBy, &o.CompletedDate,
		&o.CancelledAt, &o.CancelledBy, &o.CancelReason,
		&o.CriticalValueAlerted, &tests, &o.VersionID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tests, &o.Tests); err != nil {
		return nil, fmt.Errorf("decode tests for order %s: %w", o.ID, err)
	}
	return &o, nil
}

func marshalTests(tests []Test) ([]byte, error) {
	if tests == nil {
		tests = []Test{}
	}
	return json.Marshal(tests)
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	tests, err := marshalTests(o.Tests)
	if err != nil {
		return fmt.Errorf("encode tests: %w", err)
	}
	o.VersionID = 1
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_order (id, order_number, patient_id, doctor_id, encounter_id,
			status, priority, order_date, clinical_notes,
			sample_status, sample_number, sample_collection_date, sample_collected_by,
			received_in_lab_date, received_by, completed_date,
			cancelled_at, cancelled_by, cancel_reason,
			critical_value_alerted, tests, version_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		o.ID, o.OrderNumber, o.PatientID, o.DoctorID, o.EncounterID,
		o.Status, o.Priority, o.OrderDate, o.ClinicalNotes,
		o.SampleStatus, o.SampleNumber, o.SampleCollectionDate, o.SampleCollectedBy,
		o.ReceivedInLabDate, o.ReceivedBy, o.CompletedDate,
		o.CancelledAt, o.CancelledBy, o.CancelReason,
		o.CriticalValueAlerted, tests, o.VersionID, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r *orderRepoPG) GetByID(ctx context.Context, id string) (*Order, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &lifecycle.NotFoundError{Kind: "lab order", ID: id}
	}
	return o, err
}

func (r *orderRepoPG) Update(ctx context.Context, o *Order) error {
	tests, err := marshalTests(o.Tests)
	if err != nil {
		return fmt.Errorf("encode tests: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_order SET status=$3, priority=$4, clinical_notes=$5,
			sample_status=$6, sample_number=$7, sample_collection_date=$8, sample_collected_by=$9,
			received_in_lab_date=$10, received_by=$11, completed_date=$12,
			cancelled_at=$13, cancelled_by=$14, cancel_reason=$15,
			critical_value_alerted=$16, tests=$17,
			version_id = version_id + 1, updated_at=$18
		WHERE id = $1 AND version_id = $2`,
		o.ID, o.VersionID, o.Status, o.Priority, o.ClinicalNotes,
		o.SampleStatus, o.SampleNumber, o.SampleCollectionDate, o.SampleCollectedBy,
		o.ReceivedInLabDate, o.ReceivedBy, o.CompletedDate,
		o.CancelledAt, o.CancelledBy, o.CancelReason,
		o.CriticalValueAlerted, tests, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrVersionConflict
	}
	o.VersionID++
	return nil
}

func (r *orderRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Order, int, error) {
	return r.Search(ctx, map[string]string{"patient": patientID}, limit, offset)
}

// Search supports the patient, doctor, status, priority and critical filters.
func (r *orderRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Order, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	for _, f := range []struct{ param, column string }{
		{"patient", "patient_id"},
		{"doctor", "doctor_id"},
		{"status", "status"},
		{"priority", "priority"},
	} {
		if v, ok := params[f.param]; ok && v != "" {
			where += fmt.Sprintf(` AND %s = $%d`, f.column, idx)
			args = append(args, v)
			idx++
		}
	}
	if v, ok := params["critical"]; ok && v == "true" {
		where += ` AND critical_value_alerted`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + orderCols + ` FROM lab_order` + where +
		fmt.Sprintf(` ORDER BY order_date DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

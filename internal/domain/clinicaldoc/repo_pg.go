package clinicaldoc

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

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// searchWhere builds an equality filter for every known parameter present.
func searchWhere(params map[string]string, columns map[string]string) (string, []interface{}) {
	where := ` WHERE 1=1`
	var args []interface{}
	for _, param := range []string{"patient", "encounter", "admission", "author", "attending", "status", "note_type"} {
		col, ok := columns[param]
		if !ok {
			continue
		}
		if v := params[param]; v != "" {
			args = append(args, v)
			where += fmt.Sprintf(` AND %s = $%d`, col, len(args))
		}
	}
	return where, args
}

func jsonList[T any](in []T) ([]byte, error) {
	if in == nil {
		in = []T{}
	}
	return json.Marshal(in)
}

// =========== Progress Note Repository ===========

type noteRepoPG struct{ pool *pgxpool.Pool }

func NewNoteRepoPG(pool *pgxpool.Pool) NoteRepository {
	return &noteRepoPG{pool: pool}
}

const noteCols = `id, patient_id, encounter_id, author_id, author_name, note_type, note_date,
	subjective, objective, assessment, plan, content, status,
	signed_date, cosigner_id, cosigner_name, cosigned_date,
	is_locked, locked_at, locked_by, has_addendum, addenda,
	version_id, created_at, updated_at`

var noteSearchColumns = map[string]string{
	"patient":   "patient_id",
	"encounter": "encounter_id",
	"author":    "author_id",
	"status":    "status",
	"note_type": "note_type",
}

func (r *noteRepoPG) scanNote(row pgx.Row) (*ProgressNote, error) {
	var n ProgressNote
	var addenda []byte
	err := row.Scan(&n.ID, &n.PatientID, &n.EncounterID, &n.AuthorID, &n.AuthorName, &n.NoteType, &n.NoteDate,
		&n.Subjective, &n.Objective, &n.Assessment, &n.Plan, &n.Content, &n.Status,
		&n.SignedDate, &n.CosignerID, &n.CosignerName, &n.CosignedDate,
		&n.IsLocked, &n.LockedAt, &n.LockedBy, &n.HasAddendum, &addenda,
		&n.VersionID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(addenda, &n.Addenda); err != nil {
		return nil, fmt.Errorf("decode addenda for note %s: %w", n.ID, err)
	}
	return &n, nil
}

func (r *noteRepoPG) Create(ctx context.Context, n *ProgressNote) error {
	addenda, err := jsonList(n.Addenda)
	if err != nil {
		return fmt.Errorf("encode addenda: %w", err)
	}
	n.VersionID = 1
	_, err = connFor(ctx, r.pool).Exec(ctx, `
		INSERT INTO progress_note (`+noteCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		n.ID, n.PatientID, n.EncounterID, n.AuthorID, n.AuthorName, n.NoteType, n.NoteDate,
		n.Subjective, n.Objective, n.Assessment, n.Plan, n.Content, n.Status,
		n.SignedDate, n.CosignerID, n.CosignerName, n.CosignedDate,
		n.IsLocked, n.LockedAt, n.LockedBy, n.HasAddendum, addenda,
		n.VersionID, n.CreatedAt, n.UpdatedAt)
	return err
}

func (r *noteRepoPG) GetByID(ctx context.Context, id string) (*ProgressNote, error) {
	n, err := r.scanNote(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+noteCols+` FROM progress_note WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &lifecycle.NotFoundError{Kind: "progress note", ID: id}
	}
	return n, err
}

func (r *noteRepoPG) Update(ctx context.Context, n *ProgressNote) error {
	addenda, err := jsonList(n.Addenda)
	if err != nil {
		return fmt.Errorf("encode addenda: %w", err)
	}
	tag, err := connFor(ctx, r.pool).Exec(ctx, `
		UPDATE progress_note SET note_type=$3, note_date=$4,
			subjective=$5, objective=$6, assessment=$7, plan=$8, content=$9, status=$10,
			signed_date=$11, cosigner_id=$12, cosigner_name=$13, cosigned_date=$14,
			is_locked=$15, locked_at=$16, locked_by=$17, has_addendum=$18, addenda=$19,
			version_id = version_id + 1, updated_at=$20
		WHERE id = $1 AND version_id = $2`,
		n.ID, n.VersionID, n.NoteType, n.NoteDate,
		n.Subjective, n.Objective, n.Assessment, n.Plan, n.Content, n.Status,
		n.SignedDate, n.CosignerID, n.CosignerName, n.CosignedDate,
		n.IsLocked, n.LockedAt, n.LockedBy, n.HasAddendum, addenda, n.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrVersionConflict
	}
	n.VersionID++
	return nil
}

func (r *noteRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ProgressNote, int, error) {
	where, args := searchWhere(params, noteSearchColumns)
	conn := connFor(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM progress_note`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + noteCols + ` FROM progress_note` + where +
		fmt.Sprintf(` ORDER BY note_date DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ProgressNote
	for rows.Next() {
		n, err := r.scanNote(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

// =========== Discharge Summary Repository ===========

type summaryRepoPG struct{ pool *pgxpool.Pool }

func NewSummaryRepoPG(pool *pgxpool.Pool) SummaryRepository {
	return &summaryRepoPG{pool: pool}
}

const summaryCols = `id, summary_number, patient_id, admission_id, admission_date, discharge_date, attending_id,
	principal_diagnosis, secondary_diagnoses, hospital_course, procedures_performed,
	condition_at_discharge, discharge_disposition, follow_up_instructions, warning_signs,
	medications_reconciled, medications, follow_ups, referrals, status,
	approved_by, approved_by_name, approved_date, is_locked, locked_at,
	version_id, created_at, updated_at`

var summarySearchColumns = map[string]string{
	"patient":   "patient_id",
	"admission": "admission_id",
	"attending": "attending_id",
	"status":    "status",
}

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

type summaryLists struct {
	medications, followUps, referrals []byte
}

func encodeSummaryLists(s *DischargeSummary) (summaryLists, error) {
	var l summaryLists
	var err error
	if l.medications, err = jsonList(s.Medications); err != nil {
		return l, fmt.Errorf("encode medications: %w", err)
	}
	if l.followUps, err = jsonList(s.FollowUps); err != nil {
		return l, fmt.Errorf("encode follow-ups: %w", err)
	}
	if l.referrals, err = jsonList(s.Referrals); err != nil {
		return l, fmt.Errorf("encode referrals: %w", err)
	}
	return l, nil
}

func (r *summaryRepoPG) scanSummary(row pgx.Row) (*DischargeSummary, error) {
	var s DischargeSummary
	var l summaryLists
	err := row.Scan(&s.ID, &s.SummaryNumber, &s.PatientID, &s.AdmissionID, &s.AdmissionDate, &s.DischargeDate, &s.AttendingID,
		&s.PrincipalDiagnosis, &s.SecondaryDiagnoses, &s.HospitalCourse, &s.ProceduresPerformed,
		&s.ConditionAtDischarge, &s.DischargeDisposition, &s.FollowUpInstructions, &s.WarningSigns,
		&s.MedicationsReconciled, &l.medications, &l.followUps, &l.referrals, &s.Status,
		&s.ApprovedBy, &s.ApprovedByName, &s.ApprovedDate, &s.IsLocked, &s.LockedAt,
		&s.VersionID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(l.medications, &s.Medications); err != nil {
		return nil, fmt.Errorf("decode medications for summary %s: %w", s.ID, err)
	}
	if err := json.Unmarshal(l.followUps, &s.FollowUps); err != nil {
		return nil, fmt.Errorf("decode follow-ups for summary %s: %w", s.ID, err)
	}
	if err := json.Unmarshal(l.referrals, &s.Referrals); err != nil {
		return nil, fmt.Errorf("decode referrals for summary %s: %w", s.ID, err)
	}
	return &s, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func (r *summaryRepoPG) Create(ctx context.Context, s *DischargeSummary) error {
	l, err := encodeSummaryLists(s)
	if err != nil {
		return err
	}
	s.VersionID = 1
	_, err = connFor(ctx, r.pool).Exec(ctx, `
		INSERT INTO discharge_summary (`+summaryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
		s.ID, s.SummaryNumber, s.PatientID, s.AdmissionID, s.AdmissionDate, s.DischargeDate, s.AttendingID,
		s.PrincipalDiagnosis, nonNil(s.SecondaryDiagnoses), s.HospitalCourse, nonNil(s.ProceduresPerformed),
		s.ConditionAtDischarge, s.DischargeDisposition, s.FollowUpInstructions, nonNil(s.WarningSigns),
		s.MedicationsReconciled, l.medications, l.followUps, l.referrals, s.Status,
		s.ApprovedBy, s.ApprovedByName, s.ApprovedDate, s.IsLocked, s.LockedAt,
		s.VersionID, s.CreatedAt, s.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("discharge summary for admission %s: %w", s.AdmissionID, lifecycle.ErrAlreadyExists)
	}
	return err
}

func (r *summaryRepoPG) GetByID(ctx context.Context, id string) (*DischargeSummary, error) {
	s, err := r.scanSummary(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+summaryCols+` FROM discharge_summary WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &lifecycle.NotFoundError{Kind: "discharge summary", ID: id}
	}
	return s, err
}

func (r *summaryRepoPG) Update(ctx context.Context, s *DischargeSummary) error {
	l, err := encodeSummaryLists(s)
	if err != nil {
		return err
	}
	tag, err := connFor(ctx, r.pool).Exec(ctx, `
		UPDATE discharge_summary SET discharge_date=$3,
			principal_diagnosis=$4, secondary_diagnoses=$5, hospital_course=$6, procedures_performed=$7,
			condition_at_discharge=$8, discharge_disposition=$9, follow_up_instructions=$10, warning_signs=$11,
			medications_reconciled=$12, medications=$13, follow_ups=$14, referrals=$15, status=$16,
			approved_by=$17, approved_by_name=$18, approved_date=$19, is_locked=$20, locked_at=$21,
			version_id = version_id + 1, updated_at=$22
		WHERE id = $1 AND version_id = $2`,
		s.ID, s.VersionID, s.DischargeDate,
		s.PrincipalDiagnosis, nonNil(s.SecondaryDiagnoses), s.HospitalCourse, nonNil(s.ProceduresPerformed),
		s.ConditionAtDischarge, s.DischargeDisposition, s.FollowUpInstructions, nonNil(s.WarningSigns),
		s.MedicationsReconciled, l.medications, l.followUps, l.referrals, s.Status,
		s.ApprovedBy, s.ApprovedByName, s.ApprovedDate, s.IsLocked, s.LockedAt, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return lifecycle.ErrVersionConflict
	}
	s.VersionID++
	return nil
}

func (r *summaryRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*DischargeSummary, int, error) {
	where, args := searchWhere(params, summarySearchColumns)
	conn := connFor(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM discharge_summary`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + summaryCols + ` FROM discharge_summary` + where +
		fmt.Sprintf(` ORDER BY admission_date DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DischargeSummary
	for rows.Next() {
		s, err := r.scanSummary(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

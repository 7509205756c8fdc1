package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"issueflow/internal/domain"
)

type customFieldRow struct {
	ID          int    `db:"id"`
	Name        string `db:"name"`
	FieldFormat string `db:"field_format"`
	IsRequired  bool   `db:"is_required"`
	Visible     bool   `db:"visible"`
}

func (r Repo) ListCustomFields(ctx context.Context) ([]domain.CustomField, error) {
	var rows []customFieldRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT id,name,field_format,is_required,visible FROM custom_fields ORDER BY id`); err != nil {
		return nil, err
	}
	roleLinks, err := r.customFieldLinks(ctx, `SELECT custom_field_id, role_id FROM custom_field_roles`)
	if err != nil {
		return nil, err
	}
	trackerLinks, err := r.customFieldLinks(ctx, `SELECT custom_field_id, tracker_id FROM custom_field_trackers`)
	if err != nil {
		return nil, err
	}
	res := make([]domain.CustomField, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.CustomField{
			ID:          row.ID,
			Name:        row.Name,
			FieldFormat: row.FieldFormat,
			IsRequired:  row.IsRequired,
			Visible:     row.Visible,
			RoleIDs:     roleLinks[row.ID],
			TrackerIDs:  trackerLinks[row.ID],
		})
	}
	return res, nil
}

func (r Repo) GetCustomField(ctx context.Context, id int) (domain.CustomField, error) {
	var row customFieldRow
	err := r.DB.GetContext(ctx, &row, r.DB.Rebind(`SELECT id,name,field_format,is_required,visible FROM custom_fields WHERE id=?`), id)
	if err == sql.ErrNoRows {
		return domain.CustomField{}, NotFoundError{Kind: "custom field", ID: id}
	}
	if err != nil {
		return domain.CustomField{}, err
	}
	cf := domain.CustomField{
		ID:          row.ID,
		Name:        row.Name,
		FieldFormat: row.FieldFormat,
		IsRequired:  row.IsRequired,
		Visible:     row.Visible,
	}
	if err := r.DB.SelectContext(ctx, &cf.RoleIDs, r.DB.Rebind(`SELECT role_id FROM custom_field_roles WHERE custom_field_id=? ORDER BY role_id`), id); err != nil {
		return cf, err
	}
	if err := r.DB.SelectContext(ctx, &cf.TrackerIDs, r.DB.Rebind(`SELECT tracker_id FROM custom_field_trackers WHERE custom_field_id=? ORDER BY tracker_id`), id); err != nil {
		return cf, err
	}
	return cf, nil
}

func (r Repo) CreateCustomFieldTx(ctx context.Context, tx *sqlx.Tx, cf domain.CustomField) (domain.CustomField, error) {
	if strings.TrimSpace(cf.Name) == "" {
		return cf, fmt.Errorf("%w: custom field name is required", ErrInvalidInput)
	}
	if cf.FieldFormat == "" {
		cf.FieldFormat = "string"
	}
	if err := EnsureExist(ctx, tx, "role", "roles", cf.RoleIDs); err != nil {
		return cf, err
	}
	if err := EnsureExist(ctx, tx, "tracker", "trackers", cf.TrackerIDs); err != nil {
		return cf, err
	}
	var err error
	if cf.ID == 0 {
		if cf.ID, err = nextValue(ctx, tx, "custom_fields", "id"); err != nil {
			return cf, err
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO custom_fields(id,name,field_format,is_required,visible) VALUES (?,?,?,?,?)`),
		cf.ID, cf.Name, cf.FieldFormat, cf.IsRequired, cf.Visible); err != nil {
		return cf, err
	}
	for _, roleID := range cf.RoleIDs {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO custom_field_roles(custom_field_id, role_id) VALUES (?,?) ON CONFLICT DO NOTHING`), cf.ID, roleID); err != nil {
			return cf, err
		}
	}
	for _, trackerID := range cf.TrackerIDs {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO custom_field_trackers(custom_field_id, tracker_id) VALUES (?,?) ON CONFLICT DO NOTHING`), cf.ID, trackerID); err != nil {
			return cf, err
		}
	}
	return cf, nil
}

func (r Repo) customFieldLinks(ctx context.Context, query string) (map[int][]int, error) {
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	links := map[int][]int{}
	for rows.Next() {
		var fieldID, otherID int
		if err := rows.Scan(&fieldID, &otherID); err != nil {
			return nil, err
		}
		links[fieldID] = append(links[fieldID], otherID)
	}
	return links, rows.Err()
}

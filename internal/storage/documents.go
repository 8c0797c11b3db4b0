package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) SaveDocument(ctx context.Context, d Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.MetadataJSON == "" {
		d.MetadataJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, filename, company, document_type, year, credibility_score, chunk_count, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Filename, d.Company, d.DocumentType, d.Year, d.CredibilityScore, d.ChunkCount, d.MetadataJSON,
		d.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	if err != nil {
		return Document{}, err
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return Document{}, err
	}
	if len(docs) == 0 {
		return Document{}, ErrNotFound
	}
	return docs[0], nil
}

// ListDocuments returns the most recently ingested documents first.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanDocuments(rows)
}

// CompanyBreakdown counts documents per company.
func (s *Store) CompanyBreakdown(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT company, COUNT(*) FROM documents GROUP BY company`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var company string
		var n int
		if err := rows.Scan(&company, &n); err != nil {
			return nil, err
		}
		out[company] = n
	}
	return out, rows.Err()
}

const documentColumns = `id, filename, company, document_type, year, credibility_score, chunk_count, metadata_json, created_at`

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Filename, &d.Company, &d.DocumentType, &d.Year,
			&d.CredibilityScore, &d.ChunkCount, &d.MetadataJSON, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

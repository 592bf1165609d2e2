package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Memory kinds. Durable entries persist indefinitely; episodic entries are
// candidates for the promotion sweep.
const (
	MemoryDurable  = "durable"
	MemoryEpisodic = "episodic"
)

// MemoryEntry is one saved memory. Tags are stored space-joined and mirrored
// into the full-text index alongside the text.
type MemoryEntry struct {
	ID             int64
	Text           string
	Kind           string
	Tags           []string
	Source         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RetrievalCount int
}

// SaveMemory inserts a memory entry and returns its id. The FTS mirror is
// maintained by triggers.
func (s *Store) SaveMemory(ctx context.Context, e *MemoryEntry) (int64, error) {
	if e.Kind == "" {
		e.Kind = MemoryEpisodic
	}
	if e.Kind != MemoryDurable && e.Kind != MemoryEpisodic {
		return 0, storageErr("save memory", fmt.Errorf("unknown kind %q", e.Kind))
	}
	now := time.Now().UTC()
	res, err := s.exec(ctx, "save memory",
		`INSERT INTO memory_entries (text, kind, tags, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Text, e.Kind, strings.Join(e.Tags, " "), e.Source, now, now)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("save memory", err)
	}
	e.ID = id
	e.CreatedAt, e.UpdatedAt = now, now
	return id, nil
}

// DeleteMemory tombstones an entry; it never surfaces in search again.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, "delete memory",
		`UPDATE memory_entries SET deleted = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// SearchMemory ranks live entries by FTS relevance with an age penalty so
// recency breaks ties between similar scores. recencyWeight is the penalty
// per day of age added to the bm25 score (bm25 is more negative for better
// matches, so a smaller combined value ranks first). Queries the FTS engine
// rejects fall back to a LIKE scan.
func (s *Store) SearchMemory(ctx context.Context, query string, limit int, recencyWeight float64) ([]*MemoryEntry, error) {
	if limit <= 0 {
		limit = 5
	}

	entries, err := s.searchFTS(ctx, query, limit, recencyWeight)
	if err != nil {
		s.logger.Debug("fts query failed, falling back to LIKE", "query", query, "error", err)
		entries, err = s.searchLike(ctx, query, limit)
		if err != nil {
			return nil, err
		}
	}

	if len(entries) > 0 {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = fmt.Sprint(e.ID)
		}
		// best effort; retrieval counts feed the promotion sweep only
		if _, err := s.exec(ctx, "mark retrieved",
			`UPDATE memory_entries SET retrieval_count = retrieval_count + 1
			 WHERE id IN (`+strings.Join(ids, ",")+`)`); err != nil {
			s.logger.Warn("failed to bump retrieval counts", "error", err)
		}
	}
	return entries, nil
}

func (s *Store) searchFTS(ctx context.Context, query string, limit int, recencyWeight float64) ([]*MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.text, m.kind, m.tags, m.source, m.created_at, m.updated_at, m.retrieval_count
		 FROM memory_fts f
		 JOIN memory_entries m ON m.id = f.rowid
		 WHERE memory_fts MATCH ? AND m.deleted = 0
		 ORDER BY bm25(memory_fts) + ? * (julianday('now') - julianday(m.created_at))
		 LIMIT ?`,
		ftsQuery(query), recencyWeight, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *Store) searchLike(ctx context.Context, query string, limit int) ([]*MemoryEntry, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, kind, tags, source, created_at, updated_at, retrieval_count
		 FROM memory_entries
		 WHERE deleted = 0 AND (text LIKE ? OR tags LIKE ?)
		 ORDER BY created_at DESC LIMIT ?`,
		pattern, pattern, limit)
	if err != nil {
		return nil, storageErr("search memory", err)
	}
	defer rows.Close()
	entries, err := scanMemories(rows)
	return entries, storageErr("search memory", err)
}

// ftsQuery quotes each term so user punctuation cannot break MATCH syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " OR ")
}

type memoryRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMemories(rows memoryRows) ([]*MemoryEntry, error) {
	var out []*MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var tags string
		if err := rows.Scan(&e.ID, &e.Text, &e.Kind, &tags, &e.Source,
			&e.CreatedAt, &e.UpdatedAt, &e.RetrievalCount); err != nil {
			return nil, err
		}
		if tags != "" {
			e.Tags = strings.Fields(tags)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PromoteEpisodic upgrades episodic entries that have aged past minAge and
// been retrieved at least minRetrievals times. Returns how many were
// promoted.
func (s *Store) PromoteEpisodic(ctx context.Context, minAge time.Duration, minRetrievals int) (int, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	res, err := s.exec(ctx, "promote episodic",
		`UPDATE memory_entries SET kind = ?, updated_at = ?
		 WHERE kind = ? AND deleted = 0 AND created_at <= ? AND retrieval_count >= ?`,
		MemoryDurable, time.Now().UTC(), MemoryEpisodic, cutoff, minRetrievals)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("promote episodic", err)
	}
	return int(n), nil
}

// MemoryCount returns the number of live entries.
func (s *Store) MemoryCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_entries WHERE deleted = 0`).Scan(&n)
	if err != nil {
		return 0, storageErr("count memories", err)
	}
	return n, nil
}

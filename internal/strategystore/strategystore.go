// Package strategystore implements persistence and append-only
// versioning for the strategies table: fetch-by-version with
// fallback-to-latest, batch fetch, and save-as-new-version.
//
// internal/app/strategy/strategies.go (the teacher's own CRUD for this
// table) was checked first and contains no versioning logic at all, so
// this package is grounded directly on
// original_source/services/worker/src/utils/strategy_crud.py, whose
// SQL shape is reproduced here literally (parameterized).
package strategystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"strategyworker/internal/data"
)

// ErrNotFound is returned when a strategy (or the requested version of
// one) does not exist.
var ErrNotFound = errors.New("strategystore: strategy not found")

// Strategy is the persisted record shape (SPEC_FULL.md §3/§6).
type Strategy struct {
	StrategyID        int64
	UserID            int64
	Name              string
	Description       string
	Prompt            string
	PythonCode        string
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	IsAlertActive     bool
	Score             float64
	MinTimeframe      string
	AlertUniverseFull []string
}

// Store queries/persists strategies.
type Store struct {
	DB     *pgxpool.Pool
	Logger *zap.SugaredLogger
}

// FetchStrategyCode returns the python code and version for a
// strategy. If version is non-nil, that exact version is tried first;
// when it doesn't exist (or version is nil) the latest version wins,
// with a logged warning in the fallback case. The versions of a strategy
// are the rows that share its (userid, name).
func (s *Store) FetchStrategyCode(ctx context.Context, userID, strategyID int64, version *int) (string, int, error) {
	if strategyID == 0 {
		return "", 0, fmt.Errorf("strategystore: strategy_id is required")
	}

	var code string
	var fetchedVersion int
	found := false

	if version != nil {
		row := s.DB.QueryRow(ctx,
			`SELECT pythoncode, version FROM strategies
			 WHERE userid = $1 AND version = $3 AND is_active = true
			   AND name = (SELECT name FROM strategies WHERE strategyid = $2 AND userid = $1)`,
			userID, strategyID, *version,
		)
		if err := row.Scan(&code, &fetchedVersion); err == nil {
			found = true
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return "", 0, fmt.Errorf("fetch strategy version: %w", err)
		}
	}

	if !found {
		row := s.DB.QueryRow(ctx,
			`SELECT pythoncode, version FROM strategies
			 WHERE userid = $1 AND is_active = true
			   AND name = (SELECT name FROM strategies WHERE strategyid = $2 AND userid = $1)
			 ORDER BY version DESC LIMIT 1`,
			userID, strategyID,
		)
		if err := row.Scan(&code, &fetchedVersion); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", 0, fmt.Errorf("%w: strategy_id=%d", ErrNotFound, strategyID)
			}
			return "", 0, fmt.Errorf("fetch latest strategy: %w", err)
		}
		if version != nil {
			s.Logger.Warnw("requested strategy version not found, using latest",
				"strategy_id", strategyID, "requested_version", *version, "fetched_version", fetchedVersion)
		}
	}

	if code == "" {
		return "", 0, fmt.Errorf("strategystore: strategy %d has no python code", strategyID)
	}
	return code, fetchedVersion, nil
}

// FetchMultipleStrategyCodes returns python code keyed by strategy_id
// for a batch of ids, erroring if any id is missing or has no code —
// there is no partial-success return.
func (s *Store) FetchMultipleStrategyCodes(ctx context.Context, userID int64, strategyIDs []int64) (map[int64]string, error) {
	if len(strategyIDs) == 0 {
		return nil, fmt.Errorf("strategystore: strategy_ids is required")
	}
	seen := make(map[int64]bool, len(strategyIDs))
	for _, id := range strategyIDs {
		if seen[id] {
			return nil, fmt.Errorf("strategystore: strategy_ids must be unique")
		}
		seen[id] = true
	}

	rows, err := s.DB.Query(ctx,
		`SELECT strategyid, pythoncode FROM strategies
		 WHERE userid = $1 AND strategyid = ANY($2) AND is_active = true`,
		userID, strategyIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch strategy codes: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string, len(strategyIDs))
	for rows.Next() {
		var id int64
		var code string
		if err := rows.Scan(&id, &code); err != nil {
			return nil, err
		}
		if code != "" {
			out[id] = code
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []int64
	for _, id := range strategyIDs {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		s.Logger.Warnw("strategies not found or missing python code", "missing", missing)
		return nil, fmt.Errorf("%w: missing=%v", ErrNotFound, missing)
	}
	return out, nil
}

// SaveInput carries the caller-editable fields for SaveStrategy.
type SaveInput struct {
	UserID            int64
	Name              string
	Description       string
	Prompt            string
	PythonCode        string
	StrategyID        *int64 // nil => create fresh (version=1)
	MinTimeframe      string
	AlertUniverseFull []string
}

// SaveStrategy appends a new row. When StrategyID is set, the new row
// carries the same (userid, name) pair's next version
// (COALESCE(MAX(version),0)+1); the prior row is left untouched
// (append-only versioning — SPEC_FULL.md §4.9/§8). When StrategyID is
// nil, the new row starts at version 1 under the caller-supplied name.
func (s *Store) SaveStrategy(ctx context.Context, in SaveInput) (Strategy, error) {
	var out Strategy

	err := data.WithTx(ctx, s.DB, func(tx pgx.Tx) error {
		name := in.Name
		version := 1

		if in.StrategyID != nil {
			row := tx.QueryRow(ctx,
				`SELECT name, COALESCE(MAX(version), 0) + 1 AS next_version
				 FROM strategies
				 WHERE userid = $1 AND name = (
				     SELECT name FROM strategies WHERE strategyid = $2 AND userid = $1
				 )
				 GROUP BY name`,
				in.UserID, *in.StrategyID,
			)
			if err := row.Scan(&name, &version); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: strategy_id=%d user=%d", ErrNotFound, *in.StrategyID, in.UserID)
				}
				return fmt.Errorf("resolve next version: %w", err)
			}
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO strategies (userid, name, description, prompt, pythoncode,
			                          createdat, updated_at, alertactive, score, version,
			                          min_timeframe, alert_universe_full)
			 VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), false, 0, $6, $7, $8)
			 RETURNING strategyid, name, description, prompt, pythoncode,
			           createdat, updated_at, alertactive, version, min_timeframe, alert_universe_full`,
			in.UserID, name, in.Description, in.Prompt, in.PythonCode, version, in.MinTimeframe, in.AlertUniverseFull,
		)
		return row.Scan(
			&out.StrategyID, &out.Name, &out.Description, &out.Prompt, &out.PythonCode,
			&out.CreatedAt, &out.UpdatedAt, &out.IsAlertActive, &out.Version,
			&out.MinTimeframe, &out.AlertUniverseFull,
		)
	})
	if err != nil {
		return Strategy{}, err
	}
	out.UserID = in.UserID
	return out, nil
}

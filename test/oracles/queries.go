package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run continuously during stress. Each
// query must return zero rows on a healthy database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_claim",
			SQL: `SELECT repo_owner, repo_name, issue_number, COUNT(*) FROM claims
                  WHERE status = 'active'
                  GROUP BY repo_owner, repo_name, issue_number HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_release_date_iff_released",
			SQL: `SELECT id, status, release_date FROM claims
                  WHERE (status = 'released') <> (release_date IS NOT NULL)`,
		},
		{
			Name: "O3_nudge_count_has_timestamp",
			SQL: `SELECT id, nudge_count, last_nudge_date FROM claims
                  WHERE nudge_count > 0 AND last_nudge_date IS NULL`,
		},
		{
			Name: "O4_activity_not_before_creation",
			SQL: `SELECT id, created_at, last_activity_date FROM claims
                  WHERE last_activity_date < created_at`,
		},
		{
			Name: "O5_release_not_before_activity_window",
			SQL: `SELECT id, release_date, created_at FROM claims
                  WHERE release_date IS NOT NULL AND release_date < created_at`,
		},
		{
			Name: "O6_notifications_well_formed",
			SQL: `SELECT id FROM notifications
                  WHERE subject = '' OR body = ''`,
		},
	}
}

// Run executes every oracle and returns the name and first offending row of
// the first failure, or empty strings when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return "", "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, _ := rows.Values()
			rows.Close()
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return "", "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		rows.Close()
	}
	return "", "", nil
}

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

// All returns queries that must come back empty on a consistent database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_pending_per_enrollment",
			SQL: `SELECT enrollment_id, COUNT(*) FROM enrollment_offers
                  WHERE status = 'PENDING'
                  GROUP BY enrollment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_assignee_iff_assigned",
			SQL: `SELECT id, status, assigned_es_id FROM enrollments
                  WHERE (assigned_es_id IS NOT NULL) <> (status IN ('ASSIGNED','COMPLETED'))`,
		},
		{
			Name: "O3_single_accepted_offer_of_assignee",
			SQL: `SELECT e.id, e.status, e.assigned_es_id,
                         COUNT(o.id) FILTER (WHERE o.status = 'ACCEPTED') AS accepted,
                         COUNT(o.id) FILTER (WHERE o.status = 'ACCEPTED' AND o.es_id = e.assigned_es_id) AS accepted_by_assignee
                  FROM enrollments e
                  LEFT JOIN enrollment_offers o ON o.enrollment_id = e.id
                  GROUP BY e.id, e.status, e.assigned_es_id
                  HAVING (e.status = 'WAITING' AND COUNT(o.id) FILTER (WHERE o.status = 'ACCEPTED') > 0)
                      OR (e.status <> 'WAITING' AND (
                            COUNT(o.id) FILTER (WHERE o.status = 'ACCEPTED') <> 1 OR
                            COUNT(o.id) FILTER (WHERE o.status = 'ACCEPTED' AND o.es_id = e.assigned_es_id) <> 1))`,
		},
		{
			Name: "O4_terminal_offers_responded",
			SQL: `SELECT id, status FROM enrollment_offers
                  WHERE status <> 'PENDING' AND responded_at IS NULL`,
		},
		{
			Name: "O5_pending_only_while_waiting",
			SQL: `SELECT o.id, e.id, e.status FROM enrollment_offers o
                  JOIN enrollments e ON e.id = o.enrollment_id
                  WHERE o.status = 'PENDING' AND e.status <> 'WAITING'`,
		},
		{
			Name: "O6_freeze_trigger_present",
			SQL: `SELECT 'missing_freeze_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'enrollment_offers_freeze_terminal')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}

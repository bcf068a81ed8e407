package postgres

import (
	"fmt"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// listQuery appends the time window, ordering and paging of opts to query.
// col is the timestamp column the window applies to.
func listQuery(query string, args []any, col, order string, opts domain.ListOpts) (string, []any) {
	next := len(args) + 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", col, next)
		args = append(args, *opts.Since)
		next++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", col, next)
		args = append(args, *opts.Until)
		next++
	}

	query += fmt.Sprintf(" ORDER BY %s %s", col, order)

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", next)
		args = append(args, opts.Limit)
		next++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", next)
		args = append(args, opts.Offset)
	}
	return query, args
}

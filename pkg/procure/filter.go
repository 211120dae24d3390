package procure

import (
	"fmt"
	"strings"
	"time"
)

// Filter is the resolved set of constraints for one listing request. It is
// built from query-string parameters and never persisted.
type Filter struct {
	DateFrom   *time.Time
	DateTo     *time.Time
	SearchText string

	// IDs restricts visible records to an explicit allow-list. nil means no
	// restriction; a non-nil empty slice means "no visible records" and is a
	// legitimate empty-result state, not an error.
	IDs []int64

	// CountAllIDs makes the count phase ignore the allow-list so restricted
	// viewers still see the true total.
	CountAllIDs bool

	// SearchSpecs extends the free-text match into the child specification
	// table through an EXISTS sub-predicate. Policy knob: wider recall,
	// higher latency.
	SearchSpecs bool
}

// Restricted reports whether an allow-list is present.
func (f Filter) Restricted() bool { return f.IDs != nil }

// BuildWhere composes the WHERE fragment and its ordered parameter list.
// Predicates are ANDed; each is emitted only when its filter is present.
// The returned clause is either empty or starts with "WHERE ".
func BuildWhere(f Filter) (string, []any) {
	return buildWhere(f, true)
}

// BuildCountWhere is the count-mode variant: it omits the allow-list
// predicate when CountAllIDs is set.
func BuildCountWhere(f Filter) (string, []any) {
	return buildWhere(f, !f.CountAllIDs)
}

func buildWhere(f Filter, withIDs bool) (string, []any) {
	var clauses []string
	var args []any

	if withIDs && f.IDs != nil && len(f.IDs) > 0 {
		holders := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			args = append(args, id)
			holders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "id IN ("+strings.Join(holders, ",")+")")
	}
	if f.DateFrom != nil {
		args = append(args, *f.DateFrom)
		clauses = append(clauses, fmt.Sprintf("created >= $%d", len(args)))
	}
	if f.DateTo != nil {
		args = append(args, *f.DateTo)
		clauses = append(clauses, fmt.Sprintf("created <= $%d", len(args)))
	}
	if term := strings.TrimSpace(f.SearchText); term != "" {
		pattern := "%" + term + "%"
		args = append(args, pattern)
		first := len(args)
		args = append(args, pattern)
		second := len(args)
		search := fmt.Sprintf("(purchase_object ILIKE $%d OR customer ILIKE $%d", first, second)
		if f.SearchSpecs {
			args = append(args, pattern)
			search += fmt.Sprintf(" OR EXISTS (SELECT 1 FROM specs sp WHERE sp.zakupki_id = zakupki.id AND sp.name ILIKE $%d)", len(args))
		}
		search += ")"
		clauses = append(clauses, search)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

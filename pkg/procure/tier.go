package procure

import "github.com/shopspring/decimal"

// Tier classifies one request's access level. It is derived fresh on every
// request from session and account state; balance can change between
// requests, so it is never cached.
type Tier int

const (
	TierAnonymous Tier = iota
	TierNoBalance
	TierFullAccess
)

func (t Tier) String() string {
	switch t {
	case TierAnonymous:
		return "anonymous"
	case TierNoBalance:
		return "no_balance"
	default:
		return "full_access"
	}
}

// AnonymousWindow is the size of the anonymous restriction set: the N most
// recent record identifiers an unauthenticated viewer can page through.
const AnonymousWindow = 50

// Access holds the constraints a tier imposes on a listing request.
type Access struct {
	Tier             Tier
	PageSizeCap      int // 0 means no tier-imposed cap
	NeedsRestriction bool
	MaskContacts     bool
}

// ResolveTier maps authentication state and account standing to an Access.
// Admins get full access regardless of balance.
func ResolveTier(authenticated bool, balance decimal.Decimal, admin bool) Access {
	switch {
	case !authenticated:
		return Access{Tier: TierAnonymous, PageSizeCap: AnonymousWindow, NeedsRestriction: true, MaskContacts: true}
	case admin || balance.IsPositive():
		return Access{Tier: TierFullAccess}
	default:
		return Access{Tier: TierNoBalance, MaskContacts: true}
	}
}

var allowedPageSizes = map[int]struct{}{20: {}, 50: {}, 100: {}, 500: {}}

// NormalizePerPage clamps per_page to the whitelist. Invalid values fall
// back to the default silently.
func NormalizePerPage(n int) int {
	if _, ok := allowedPageSizes[n]; ok {
		return n
	}
	return 20
}

// ClampAnonymous bounds limit and offset to the anonymous restriction set.
// An offset past the window wraps back to the first page.
func ClampAnonymous(limit, offset int) (int, int) {
	if limit > AnonymousWindow {
		limit = AnonymousWindow
	}
	if offset < 0 || offset >= AnonymousWindow {
		offset = 0
	}
	return limit, offset
}

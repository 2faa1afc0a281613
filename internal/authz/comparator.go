package authz

import (
	"context"
	"sort"
)

// DefaultEquivalenceThreshold is the similarity above which two roles
// are treated as the same access surface. Deliberately below 1.0: a
// near-identical clone used to dodge a deactivation block must be
// caught, not only a byte-identical one.
const DefaultEquivalenceThreshold = 0.95

// Fingerprint jaccard weights. Granted paths dominate because a shared
// denial says less about intent than a shared grant.
const (
	grantedWeight = 0.7
	deniedWeight  = 0.3
)

// Fingerprint is the set view of a role's explicit rows.
type Fingerprint struct {
	Granted map[string]struct{}
	Denied  map[string]struct{}
}

// Empty reports whether the fingerprint carries no paths at all.
func (f Fingerprint) Empty() bool {
	return len(f.Granted) == 0 && len(f.Denied) == 0
}

// FingerprintDelta lists the path differences between two fingerprints,
// sorted for human review.
type FingerprintDelta struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

// Comparator measures how close two roles' permission surfaces are.
type Comparator struct {
	checker   *Checker
	threshold float64
}

// ComparatorOption customizes a Comparator.
type ComparatorOption func(*Comparator)

// WithEquivalenceThreshold overrides the default 0.95 threshold.
func WithEquivalenceThreshold(threshold float64) ComparatorOption {
	return func(c *Comparator) {
		if threshold > 0 && threshold <= 1 {
			c.threshold = threshold
		}
	}
}

// NewComparator constructs a comparator over the checker's read path.
func NewComparator(checker *Checker, opts ...ComparatorOption) *Comparator {
	c := &Comparator{checker: checker, threshold: DefaultEquivalenceThreshold}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the active equivalence threshold.
func (c *Comparator) Threshold() float64 { return c.threshold }

// Fingerprint builds the granted/denied path sets from the role's
// explicit rows.
func (c *Comparator) Fingerprint(ctx context.Context, roleID int64) (Fingerprint, error) {
	rows, err := c.checker.ListExplicitPermissions(ctx, roleID)
	if err != nil {
		return Fingerprint{}, err
	}
	fp := Fingerprint{
		Granted: make(map[string]struct{}),
		Denied:  make(map[string]struct{}),
	}
	for _, rp := range rows {
		if rp.Granted {
			fp.Granted[rp.Path()] = struct{}{}
		} else {
			fp.Denied[rp.Path()] = struct{}{}
		}
	}
	return fp, nil
}

// Similarity computes the weighted jaccard similarity of two
// fingerprints in [0,1]. Two empty fingerprints are identical (1.0); an
// empty one against a non-empty one shares nothing (0.0).
func Similarity(a, b Fingerprint) float64 {
	if a.Empty() && b.Empty() {
		return 1.0
	}
	if a.Empty() != b.Empty() {
		return 0.0
	}
	return grantedWeight*jaccard(a.Granted, b.Granted) + deniedWeight*jaccard(a.Denied, b.Denied)
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for path := range a {
		if _, ok := b[path]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// AreEquivalent reports whether the two roles' surfaces are close enough
// to treat a reassignment between them as a relabeling.
func (c *Comparator) AreEquivalent(ctx context.Context, fromRoleID, toRoleID int64) (bool, float64, error) {
	from, err := c.Fingerprint(ctx, fromRoleID)
	if err != nil {
		return false, 0, err
	}
	to, err := c.Fingerprint(ctx, toRoleID)
	if err != nil {
		return false, 0, err
	}
	score := Similarity(from, to)
	return score >= c.threshold, score, nil
}

// Delta lists granted-path differences between two roles for audit
// review.
func (c *Comparator) Delta(ctx context.Context, fromRoleID, toRoleID int64) (FingerprintDelta, error) {
	from, err := c.Fingerprint(ctx, fromRoleID)
	if err != nil {
		return FingerprintDelta{}, err
	}
	to, err := c.Fingerprint(ctx, toRoleID)
	if err != nil {
		return FingerprintDelta{}, err
	}
	// Empty lists serialize as [] rather than null for the audit view.
	delta := FingerprintDelta{
		Added:     []string{},
		Removed:   []string{},
		Unchanged: []string{},
	}
	for path := range to.Granted {
		if _, ok := from.Granted[path]; ok {
			delta.Unchanged = append(delta.Unchanged, path)
		} else {
			delta.Added = append(delta.Added, path)
		}
	}
	for path := range from.Granted {
		if _, ok := to.Granted[path]; !ok {
			delta.Removed = append(delta.Removed, path)
		}
	}
	sort.Strings(delta.Added)
	sort.Strings(delta.Removed)
	sort.Strings(delta.Unchanged)
	return delta, nil
}

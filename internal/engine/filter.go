package engine

import (
	"context"
	"strings"

	"foiatool/internal/config"
	"foiatool/internal/portal"
	"foiatool/internal/store"
)

type Verdict int

const (
	Accept Verdict = iota
	RejectIgnored
	RejectTerms
	RejectSeen
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case RejectIgnored:
		return "ignored"
	case RejectTerms:
		return "no matching term"
	case RejectSeen:
		return "seen"
	default:
		return "unknown"
	}
}

// siteRules is the precompiled form of the parts of a site config the filter needs.
type siteRules struct {
	portalID string
	ignored  map[string]struct{}
	// lowercased
	terms []string
}

func newSiteRules(site config.Site) siteRules {
	rules := siteRules{
		portalID: site.Name,
		ignored:  make(map[string]struct{}, len(site.IgnoreIDs)),
	}
	for _, id := range site.IgnoreIDs {
		rules.ignored[strings.TrimSpace(id)] = struct{}{}
	}
	for _, term := range site.DocumentSearchTerms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		rules.terms = append(rules.terms, term)
	}
	return rules
}

func (r siteRules) matchesTerms(fileName string) bool {
	if len(r.terms) == 0 {
		return true
	}
	lowered := strings.ToLower(fileName)
	for _, term := range r.terms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

// Filter decides whether a document should be downloaded. It never modifies the store.
type Filter struct {
	store store.Store
}

func NewFilter(s store.Store) Filter {
	return Filter{store: s}
}

// Evaluate applies the rejection rules in order: ignored request, document terms, then the
// store. The store is only queried if the local rules accept the document.
func (f Filter) Evaluate(ctx context.Context, doc portal.Document, site config.Site) (Verdict, error) {
	return f.evaluate(ctx, doc, newSiteRules(site))
}

func (f Filter) evaluate(ctx context.Context, doc portal.Document, rules siteRules) (Verdict, error) {
	if _, ignored := rules.ignored[doc.RequestID]; ignored {
		return RejectIgnored, nil
	}
	if !rules.matchesTerms(doc.FileName) {
		return RejectTerms, nil
	}

	seen, err := f.store.HasSeen(ctx, rules.portalID, doc.ID)
	if err != nil {
		return Accept, &StoreError{Site: rules.portalID, Op: "has seen", Err: err}
	}
	if seen {
		return RejectSeen, nil
	}
	return Accept, nil
}

// Accept reports whether the document should be downloaded.
func (f Filter) Accept(ctx context.Context, doc portal.Document, site config.Site) (bool, error) {
	verdict, err := f.Evaluate(ctx, doc, site)
	if err != nil {
		return false, err
	}
	return verdict == Accept, nil
}

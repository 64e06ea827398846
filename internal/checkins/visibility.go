package checkins

import (
	"context"
	"strings"
)

// PartnerLookup resolves the active couple partner of a user.
type PartnerLookup interface {
	PartnerOf(ctx context.Context, userID string) (string, bool, error)
}

// Visibility is the resolved read scope of one viewer. Allows is the record predicate;
// the same rules render into a SQL condition for store queries.
type Visibility struct {
	viewerID      string
	partnerID     string
	includePublic bool
}

// ViewerID returns the viewer identity, empty for anonymous callers.
func (v Visibility) ViewerID() string {
	return v.viewerID
}

// PartnerID returns the bound partner identity, empty when none.
func (v Visibility) PartnerID() string {
	return v.partnerID
}

// IncludesPublic reports whether public records of strangers are in scope.
func (v Visibility) IncludesPublic() bool {
	return v.includePublic
}

// Allows reports whether the record is visible. Rules apply in precedence order:
// owner, bound partner, public; rejected records are hidden from everyone but the owner.
func (v Visibility) Allows(record Record) bool {
	if record.IsDeleted() {
		return false
	}
	if v.viewerID != "" && record.OwnerUserID == v.viewerID {
		return true
	}
	if v.partnerID != "" && record.OwnerUserID == v.partnerID {
		return record.AuditStatus != AuditStatusRejected
	}
	if v.includePublic && record.IsPublic {
		return record.AuditStatus != AuditStatusRejected
	}
	return false
}

// Filter keeps the records the viewer may see, preserving order.
func (v Visibility) Filter(records []Record) []Record {
	visible := make([]Record, 0, len(records))
	for _, record := range records {
		if v.Allows(record) {
			visible = append(visible, record)
		}
	}
	return visible
}

// condition renders Allows as a WHERE clause. Lifecycle filtering is applied separately.
func (v Visibility) condition() (string, []interface{}) {
	clauses := make([]string, 0, 3)
	args := make([]interface{}, 0, 5)
	if v.viewerID != "" {
		clauses = append(clauses, "owner_user_id = ?")
		args = append(args, v.viewerID)
	}
	if v.partnerID != "" {
		clauses = append(clauses, "(owner_user_id = ? AND audit_status <> ?)")
		args = append(args, v.partnerID, string(AuditStatusRejected))
	}
	if v.includePublic {
		clauses = append(clauses, "(is_public = ? AND audit_status <> ?)")
		args = append(args, true, string(AuditStatusRejected))
	}
	if len(clauses) == 0 {
		return "1 = 0", nil
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

// Resolver builds Visibility values for viewers.
type Resolver struct {
	partners PartnerLookup
}

// NewResolver constructs a Resolver backed by the couple-binding lookup.
func NewResolver(partners PartnerLookup) *Resolver {
	return &Resolver{partners: partners}
}

// ResolveVisible returns the visibility scope of viewer. A private-only view requires an
// identity and fails with ErrInvalidRequest for anonymous callers. One partner lookup is
// performed when the viewer is identified.
func (r *Resolver) ResolveVisible(ctx context.Context, viewer Viewer, includePublic bool) (Visibility, error) {
	viewerID := strings.TrimSpace(viewer.UserID)
	if viewerID == "" {
		if !includePublic {
			return Visibility{}, newServiceError(opResolveVisible, reasonInvalidRequest, ErrInvalidRequest)
		}
		return Visibility{includePublic: true}, nil
	}
	if r == nil || r.partners == nil {
		return Visibility{}, newServiceError(opResolveVisible, reasonPartnerLookup, errMissingPartners)
	}

	partnerID, found, err := r.partners.PartnerOf(ctx, viewerID)
	if err != nil {
		return Visibility{}, newServiceError(opResolveVisible, reasonPartnerLookup, err)
	}
	visibility := Visibility{viewerID: viewerID, includePublic: includePublic}
	if found && partnerID != viewerID {
		visibility.partnerID = partnerID
	}
	return visibility, nil
}

package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"bookplace.org/internal/auth"
	"bookplace.org/internal/obs"
)

var (
	ErrUnknownRequirement = errors.New("policy: unknown requirement")
	ErrResourceMismatch   = errors.New("policy: resource does not match requirement")
	ErrNoReviewLookup     = errors.New("policy: review lookup not configured")
)

// ReviewLookup answers whether a non-archived review already references a
// reservation. It is the only collaborator any policy consults.
type ReviewLookup interface {
	ActiveReviewExists(ctx context.Context, reservationID string) (bool, error)
}

// rule is a pure function of the principal and an already loaded resource.
// A nil principal is an anonymous caller.
type rule func(p *auth.Principal, resource any) (Decision, error)

var rules = map[Requirement]rule{
	ListingOwner: on(ListingOwner, func(p *auth.Principal, l Listing) bool {
		return is(p, l.HostID)
	}),
	ListingView: on(ListingView, func(p *auth.Principal, l Listing) bool {
		return l.Status == ListingActive || is(p, l.HostID)
	}),
	ReservationOwner: on(ReservationOwner, func(p *auth.Principal, r Reservation) bool {
		return is(p, r.GuestID)
	}),
	ReservationHost: on(ReservationHost, func(p *auth.Principal, r Reservation) bool {
		return is(p, r.Listing.HostID)
	}),
	ReservationParticipant: on(ReservationParticipant, func(p *auth.Principal, r Reservation) bool {
		return is(p, r.GuestID) || is(p, r.Listing.HostID)
	}),
	ReviewOwner: on(ReviewOwner, func(p *auth.Principal, r Review) bool {
		return is(p, r.GuestID)
	}),
	ReviewEligibility: on(ReviewEligibility, func(p *auth.Principal, f reviewEligibility) bool {
		return is(p, f.Reservation.GuestID) &&
			f.Reservation.Status == ReservationCompleted &&
			!f.HasActiveReview
	}),
	ConversationParticipant: on(ConversationParticipant, func(p *auth.Principal, c Conversation) bool {
		return p != nil && p.ID != "" && slices.Contains(c.ParticipantIDs, p.ID)
	}),
	ConversationInitiator: on(ConversationInitiator, func(p *auth.Principal, c ConversationInitiation) bool {
		return is(p, c.InitiatorID)
	}),
	MessageOwner: on(MessageOwner, func(p *auth.Principal, m Message) bool {
		return is(p, m.SenderID)
	}),
	HostRole: func(p *auth.Principal, _ any) (Decision, error) {
		return decide(p != nil && p.HasRole(auth.RoleHost)), nil
	},
	GuestOnlyForPromotion: func(p *auth.Principal, _ any) (Decision, error) {
		return decide(p != nil && p.HasRole(auth.RoleGuest) && !p.HasRole(auth.RoleHost)), nil
	},
}

// is reports whether p is the authenticated user id. Empty ids never match,
// so an anonymous caller cannot own a resource with a blank owner.
func is(p *auth.Principal, id string) bool {
	return p != nil && p.ID != "" && p.ID == id
}

func on[T any](req Requirement, fn func(*auth.Principal, T) bool) rule {
	return func(p *auth.Principal, resource any) (Decision, error) {
		r, ok := as[T](resource)
		if !ok {
			var want T
			return Deny, fmt.Errorf("%w: %s expects %T, got %T", ErrResourceMismatch, req, want, resource)
		}
		return decide(fn(p, r)), nil
	}
}

func as[T any](resource any) (T, bool) {
	switch v := resource.(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

// Evaluator runs requirements against principals and resources.
type Evaluator struct {
	reviews ReviewLookup
}

// NewEvaluator constructs an Evaluator. reviews may be nil when
// ReviewEligibility is never checked.
func NewEvaluator(reviews ReviewLookup) *Evaluator {
	return &Evaluator{reviews: reviews}
}

// Evaluate returns Allow or Deny. A non-nil error means the check could not
// be carried out (unknown requirement, wrong resource type, failed lookup);
// the decision is then always Deny.
func (e *Evaluator) Evaluate(ctx context.Context, p *auth.Principal, req Requirement, resource any) (Decision, error) {
	fn, ok := rules[req]
	if !ok {
		return Deny, fmt.Errorf("%w: %d", ErrUnknownRequirement, int(req))
	}
	if req == ReviewEligibility {
		facts, err := e.eligibilityFacts(ctx, p, resource)
		if err != nil {
			obs.RecordPolicy(req.String(), Deny.String())
			return Deny, err
		}
		resource = facts
	}
	d, err := fn(p, resource)
	if err != nil {
		d = Deny
	}
	obs.RecordPolicy(req.String(), d.String())
	return d, err
}

// Require is Evaluate folded into an error: nil on Allow, auth.ErrDenied on Deny.
func (e *Evaluator) Require(ctx context.Context, p *auth.Principal, req Requirement, resource any) error {
	d, err := e.Evaluate(ctx, p, req, resource)
	if err != nil {
		return err
	}
	if d != Allow {
		return auth.ErrDenied
	}
	return nil
}

func (e *Evaluator) eligibilityFacts(ctx context.Context, p *auth.Principal, resource any) (reviewEligibility, error) {
	r, ok := as[Reservation](resource)
	if !ok {
		return reviewEligibility{}, fmt.Errorf("%w: %s expects policy.Reservation, got %T", ErrResourceMismatch, ReviewEligibility, resource)
	}
	facts := reviewEligibility{Reservation: r}
	// The lookup only matters when the other two conditions already hold.
	if !is(p, r.GuestID) || r.Status != ReservationCompleted {
		return facts, nil
	}
	if e.reviews == nil {
		return reviewEligibility{}, ErrNoReviewLookup
	}
	exists, err := e.reviews.ActiveReviewExists(ctx, r.ID)
	if err != nil {
		return reviewEligibility{}, fmt.Errorf("review lookup: %w", err)
	}
	facts.HasActiveReview = exists
	return facts, nil
}

package policy

import "strings"

// Requirement names the rule to check. The set is closed; every value has
// exactly one entry in the policy table.
type Requirement int

const (
	ListingOwner Requirement = iota + 1
	ListingView
	ReservationOwner
	ReservationHost
	ReservationParticipant
	ReviewOwner
	ReviewEligibility
	ConversationParticipant
	ConversationInitiator
	MessageOwner
	HostRole
	GuestOnlyForPromotion
)

var requirementNames = map[Requirement]string{
	ListingOwner:            "ListingOwner",
	ListingView:             "ListingView",
	ReservationOwner:        "ReservationOwner",
	ReservationHost:         "ReservationHost",
	ReservationParticipant:  "ReservationParticipant",
	ReviewOwner:             "ReviewOwner",
	ReviewEligibility:       "ReviewEligibility",
	ConversationParticipant: "ConversationParticipant",
	ConversationInitiator:   "ConversationInitiator",
	MessageOwner:            "MessageOwner",
	HostRole:                "HostRole",
	GuestOnlyForPromotion:   "GuestOnlyForPromotion",
}

func (r Requirement) String() string {
	if name, ok := requirementNames[r]; ok {
		return name
	}
	return "Unknown"
}

// ParseRequirement resolves a requirement by name, case-insensitively.
func ParseRequirement(name string) (Requirement, bool) {
	name = strings.TrimSpace(name)
	for r, n := range requirementNames {
		if strings.EqualFold(n, name) {
			return r, true
		}
	}
	return 0, false
}

// Requirements lists every known requirement in declaration order.
func Requirements() []Requirement {
	out := make([]Requirement, 0, len(requirementNames))
	for r := ListingOwner; r <= GuestOnlyForPromotion; r++ {
		out = append(out, r)
	}
	return out
}

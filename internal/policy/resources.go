package policy

// ListingStatus is the publication state of a listing.
type ListingStatus string

const (
	ListingActive   ListingStatus = "Active"
	ListingInactive ListingStatus = "Inactive"
	ListingDraft    ListingStatus = "Draft"
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "Pending"
	ReservationConfirmed ReservationStatus = "Confirmed"
	ReservationCompleted ReservationStatus = "Completed"
	ReservationCancelled ReservationStatus = "Cancelled"
)

// Listing is the projection of a listing the policies need.
type Listing struct {
	ID     string
	HostID string
	Status ListingStatus
}

// Reservation carries the listing it was made for.
type Reservation struct {
	ID      string
	GuestID string
	Status  ReservationStatus
	Listing Listing
}

// Review is the projection of a guest review.
type Review struct {
	ID            string
	GuestID       string
	ReservationID string
}

// Conversation lists everybody allowed to read and write in it.
type Conversation struct {
	ID             string
	ParticipantIDs []string
}

// Message is one chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
}

// ConversationInitiation describes a request to open a conversation about a
// listing or a review.
type ConversationInitiation struct {
	ListingID   string
	ReviewID    string
	InitiatorID string
}

// reviewEligibility is the loaded fact set for ReviewEligibility.
type reviewEligibility struct {
	Reservation     Reservation
	HasActiveReview bool
}

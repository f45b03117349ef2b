package actions

// Type is a member of the closed vocabulary of executable action kinds.
type Type string

const (
	TypeSendEmail                  Type = "SEND_EMAIL"
	TypeSendSMS                    Type = "SEND_SMS"
	TypeSendNotification           Type = "SEND_NOTIFICATION"
	TypeCreateTask                 Type = "CREATE_TASK"
	TypeScheduleFollowUp           Type = "SCHEDULE_FOLLOW_UP"
	TypeUpdateLeadStatus           Type = "UPDATE_LEAD_STATUS"
	TypeUpdateListing              Type = "UPDATE_LISTING"
	TypeUpdateTransactionMilestone Type = "UPDATE_TRANSACTION_MILESTONE"
	TypeRequestPayment             Type = "REQUEST_PAYMENT"
)

// Vocabulary returns the canonical action vocabulary.
func Vocabulary() []Type {
	return []Type{
		TypeSendEmail,
		TypeSendSMS,
		TypeSendNotification,
		TypeCreateTask,
		TypeScheduleFollowUp,
		TypeUpdateLeadStatus,
		TypeUpdateListing,
		TypeUpdateTransactionMilestone,
		TypeRequestPayment,
	}
}

// String returns the wire form of t.
func (t Type) String() string {
	return string(t)
}

// IsKnown reports whether t belongs to the built-in vocabulary.
func (t Type) IsKnown() bool {
	for _, known := range Vocabulary() {
		if t == known {
			return true
		}
	}
	return false
}

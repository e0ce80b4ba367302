package moderation

// Wire codes for domain errors.
const (
	CodeNotFound         = "not_found"
	CodeAccessDenied     = "access_denied"
	CodeForbidden        = "forbidden"
	CodeAlreadyMember    = "already_member"
	CodeAlreadyVoted     = "already_voted"
	CodeCannotActOnOwner = "cannot_act_on_owner"
	CodeBanned           = "banned"
	CodeValidation       = "validation_error"
)

// Error wraps a code and human-readable message. Every Error is recoverable
// by the caller: the gateway reports it to the acting connection only.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	// ErrChannelNotFound is returned when the channel does not exist.
	ErrChannelNotFound = &Error{Code: CodeNotFound, Message: "channel not found"}
	// ErrUserNotFound is returned when the named user does not exist.
	ErrUserNotFound = &Error{Code: CodeNotFound, Message: "user not found"}
	// ErrNotMember is returned when the target is not a member of the channel.
	ErrNotMember = &Error{Code: CodeNotFound, Message: "user is not a member of the channel"}
	// ErrAccessDenied is returned when joining a private channel without an invite.
	ErrAccessDenied = &Error{Code: CodeAccessDenied, Message: "this channel is private, you need an invitation to join"}
	// ErrForbidden is returned when the actor lacks the role for the action.
	ErrForbidden = &Error{Code: CodeForbidden, Message: "you are not allowed to perform this action"}
	// ErrAlreadyMember is returned when inviting a user who already belongs.
	ErrAlreadyMember = &Error{Code: CodeAlreadyMember, Message: "user is already a member of the channel"}
	// ErrAlreadyVoted is returned when a voter repeats a kick vote.
	ErrAlreadyVoted = &Error{Code: CodeAlreadyVoted, Message: "you have already voted to kick this user"}
	// ErrCannotActOnOwner is returned when a kick or revoke targets the owner.
	ErrCannotActOnOwner = &Error{Code: CodeCannotActOnOwner, Message: "the channel owner cannot be kicked or revoked"}
	// ErrBanned is returned when a banned user tries to rejoin.
	ErrBanned = &Error{Code: CodeBanned, Message: "you are banned from this channel"}
)

func validationError(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

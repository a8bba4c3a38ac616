package model

// MediaType is the content type of every request and response body on the
// locking API.
const MediaType = "application/vnd.git-lfs+json"

// CreateLockRequest is the body of a create-lock request.
type CreateLockRequest struct {
	Path string `json:"path"`
	Ref  *Ref   `json:"ref,omitempty"`
}

// DeleteLockRequest is the body of an unlock request.
type DeleteLockRequest struct {
	Force bool `json:"force,omitempty"`
	Ref   *Ref `json:"ref,omitempty"`
}

// VerifyLocksRequest is the body of a verify request.
type VerifyLocksRequest struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Ref    *Ref   `json:"ref,omitempty"`
}

// LockResponse wraps a single lock.
type LockResponse struct {
	Lock *Lock `json:"lock"`
}

// LockList is the list-locks response.
type LockList struct {
	Locks      []*Lock `json:"locks"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// LocksToVerify partitions the active locks into those held by the caller
// and those held by anyone else. Both lists are always present.
type LocksToVerify struct {
	Ours       []*Lock `json:"ours"`
	Theirs     []*Lock `json:"theirs"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// ErrorResponse is the body of every failed request. Lock is only set when
// the failure is a conflict with an existing lock.
type ErrorResponse struct {
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
	Lock             *Lock  `json:"lock,omitempty"`
}

// RefName returns the name of ref, or "" when ref is nil.
func RefName(ref *Ref) string {
	if ref == nil {
		return ""
	}
	return ref.Name
}

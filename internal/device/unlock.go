package device

import "time"

// UnlockStatus is the state of an unlock request. PENDING is the only
// non-terminal state; APPROVED, DENIED and WITHDRAWN permit no further
// transitions.
type UnlockStatus string

const (
	UnlockPending   UnlockStatus = "pending"
	UnlockApproved  UnlockStatus = "approved"
	UnlockDenied    UnlockStatus = "denied"
	UnlockWithdrawn UnlockStatus = "withdrawn"
)

// UnlockRequest is a user-initiated, admin-adjudicated request to clear a
// lock on one setting of one device.
type UnlockRequest struct {
	ID          string       `json:"id"`
	DeviceID    string       `json:"device_id"`
	SettingKey  string       `json:"setting_key"`
	Reason      string       `json:"reason"`
	Status      UnlockStatus `json:"status"`
	RequestedBy string       `json:"requested_by"`
	CreatedAt   time.Time    `json:"created_at"`
	RespondedBy string       `json:"responded_by,omitempty"`
	Response    string       `json:"response,omitempty"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
}

// IsPending reports whether the request still awaits an admin decision.
func (r *UnlockRequest) IsPending() bool { return r.Status == UnlockPending }

// IsDecided reports whether an admin approved or denied the request.
func (r *UnlockRequest) IsDecided() bool {
	return r.Status == UnlockApproved || r.Status == UnlockDenied
}

// UnlockSummary counts requests by status within a queried scope. The
// counts always sum to the total number of requests in that scope.
type UnlockSummary struct {
	PendingCount   int `json:"pending_count"`
	ApprovedCount  int `json:"approved_count"`
	DeniedCount    int `json:"denied_count"`
	WithdrawnCount int `json:"withdrawn_count"`
}

// TotalCount returns the sum of all status counts.
func (s UnlockSummary) TotalCount() int {
	return s.PendingCount + s.ApprovedCount + s.DeniedCount + s.WithdrawnCount
}

package device

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the entitlement state of a device.
type SubscriptionStatus string

// Subscription states.
const (
	// SubscriptionActive means the device has a live entitlement window.
	SubscriptionActive SubscriptionStatus = "active"

	// SubscriptionInactive means the device has never been activated or
	// its last window has been archived into PastPlans.
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// DateKey is the calendar-date format used for daily usage buckets.
// Dates are keyed on the server clock, not the device's.
const DateKey = "2006-01-02"

// rawUnitsPerLiter converts raw device volume units (milliliters) to liters.
const rawUnitsPerLiter = 1000

// Record is the per-device state document.
//
// The in-memory copy owned by the engine's Table is the source of
// truth for engine decisions; the document store holds an eventually
// consistent mirror keyed by the same device ID.
type Record struct {
	// ID is the opaque device identifier assigned at provisioning
	// (a MAC address for current hardware).
	ID string `json:"id"`

	// Operational flags mirrored from/to the device.
	Control bool `json:"control"`
	Toggle  bool `json:"toggle"`
	Damper  bool `json:"damper"`
	Backup  bool `json:"backup"`
	Reset   bool `json:"reset"`

	// Liter is the most recent per-message volume delta in raw device
	// units. TotalLiter is the entitlement cap, also in raw units.
	Liter      float64 `json:"liter"`
	TotalLiter float64 `json:"totalLiter"`

	// Online is derived by the liveness sweep; devices never report it.
	Online bool `json:"online"`

	// LastMessageTime is the arrival time of the most recent accepted
	// message, in Unix milliseconds. Zero means no message seen yet.
	LastMessageTime int64 `json:"lastMessageTime,omitempty"`

	// Entitlement window. StartDate/EndDate are nil while inactive.
	PlanName           string             `json:"planName,omitempty"`
	Subscription       bool               `json:"subscription"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`
	StartDate          *time.Time         `json:"startDate,omitempty"`
	EndDate            *time.Time         `json:"endDate,omitempty"`

	// DailyUsage maps date keys (YYYY-MM-DD) to accumulated liters.
	// Only the current date's entry may still change.
	DailyUsage map[string]float64 `json:"dailyUsage,omitempty"`

	// PastPlans is the append-only archive of expired entitlement windows.
	PastPlans []PastPlan `json:"pastPlans,omitempty"`

	// Phone links the device to a customer document; customer CRUD is
	// external to the engine.
	Phone string `json:"phone,omitempty"`
}

// PastPlan is one archived entitlement window.
type PastPlan struct {
	PlanName   string     `json:"planName"`
	StartDate  *time.Time `json:"startDate,omitempty"`
	EndDate    *time.Time `json:"endDate,omitempty"`
	TotalLiter float64    `json:"totalLiter"`
}

// UsageCursor is the ephemeral in-memory accumulator for the current
// day's usage. It is created on the first volume delta and replaced on
// date rollover; the persisted DailyUsage map is its durable mirror.
type UsageCursor struct {
	// Date is the bucket's date key (YYYY-MM-DD).
	Date string

	// Liters is the running total for Date.
	Liters float64
}

// NewRecord returns a Record with initial (inactive) state for the
// given device ID.
func NewRecord(id string) *Record {
	return &Record{
		ID:                 id,
		SubscriptionStatus: SubscriptionInactive,
	}
}

// GenerateID returns a new opaque device identifier for provisioning
// calls that do not supply one.
func GenerateID() string {
	return uuid.NewString()
}

// DeepCopy returns an independent copy of the record. Observers and
// API handlers receive copies; the Table's copy is never shared.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}

	out := *r

	if r.StartDate != nil {
		t := *r.StartDate
		out.StartDate = &t
	}
	if r.EndDate != nil {
		t := *r.EndDate
		out.EndDate = &t
	}

	if r.DailyUsage != nil {
		out.DailyUsage = make(map[string]float64, len(r.DailyUsage))
		for k, v := range r.DailyUsage {
			out.DailyUsage[k] = v
		}
	}

	if r.PastPlans != nil {
		out.PastPlans = make([]PastPlan, len(r.PastPlans))
		copy(out.PastPlans, r.PastPlans)
		for i := range r.PastPlans {
			if r.PastPlans[i].StartDate != nil {
				t := *r.PastPlans[i].StartDate
				out.PastPlans[i].StartDate = &t
			}
			if r.PastPlans[i].EndDate != nil {
				t := *r.PastPlans[i].EndDate
				out.PastPlans[i].EndDate = &t
			}
		}
	}

	return &out
}

// TotalLiterCap returns the entitlement cap converted to liters.
func (r *Record) TotalLiterCap() float64 {
	return r.TotalLiter / rawUnitsPerLiter
}

// UsedLiters returns the consumption accrued within the current
// entitlement window: flushed DailyUsage buckets dated on or after
// StartDate, with the unflushed cursor substituted for its own date
// (the cursor is authoritative for today and may already be partially
// mirrored into DailyUsage by a checkpoint).
func (r *Record) UsedLiters(cursor *UsageCursor) float64 {
	if r.StartDate == nil {
		return 0
	}
	startKey := r.StartDate.Format(DateKey)

	var total float64
	for date, liters := range r.DailyUsage {
		if date < startKey {
			continue
		}
		if cursor != nil && date == cursor.Date {
			continue
		}
		total += liters
	}
	if cursor != nil && cursor.Date >= startKey {
		total += cursor.Liters
	}
	return total
}

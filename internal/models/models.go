package models

import "time"

// Coordinate is a device position captured at scan time. Timestamp is epoch
// milliseconds as reported by the device.
type Coordinate struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	Timestamp int64    `json:"timestamp"`
}

// Account is a CRM customer record. DistanceKm is relative to the query that
// produced the account and is not a property of the record itself.
type Account struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	BillingStreet     string   `json:"billingStreet,omitempty"`
	BillingCity       string   `json:"billingCity,omitempty"`
	BillingState      string   `json:"billingState,omitempty"`
	BillingPostalCode string   `json:"billingPostalCode,omitempty"`
	BillingCountry    string   `json:"billingCountry,omitempty"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	DistanceKm        *float64 `json:"distanceKm,omitempty"`
}

// HasCoordinates reports whether both coordinates are known.
func (a Account) HasCoordinates() bool {
	return a.Latitude != nil && a.Longitude != nil
}

type ScannedKit struct {
	ID              string     `json:"id"`
	Code            string     `json:"code"`
	ScannedAt       time.Time  `json:"scannedAt"`
	Location        Coordinate `json:"location"`
	SelectedAccount *Account   `json:"selectedAccount"`
}

// Confirmed reports whether an account has been associated with the kit.
func (k ScannedKit) Confirmed() bool {
	return k.SelectedAccount != nil
}

type Session struct {
	ID        string       `json:"id"`
	StartedAt time.Time    `json:"startedAt"`
	Kits      []ScannedKit `json:"kits"`
}

// SessionCounts summarises a session for status displays.
type SessionCounts struct {
	Total    int `json:"total"`
	Complete int `json:"complete"`
	Pending  int `json:"pending"`
}

func (s Session) Counts() SessionCounts {
	c := SessionCounts{Total: len(s.Kits)}
	for _, k := range s.Kits {
		if k.Confirmed() {
			c.Complete++
		}
	}
	c.Pending = c.Total - c.Complete
	return c
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (s Session) Clone() Session {
	out := Session{ID: s.ID, StartedAt: s.StartedAt, Kits: make([]ScannedKit, len(s.Kits))}
	for i, k := range s.Kits {
		out.Kits[i] = k.Clone()
	}
	return out
}

func (k ScannedKit) Clone() ScannedKit {
	out := k
	out.Location.Accuracy = cloneFloat(k.Location.Accuracy)
	if k.SelectedAccount != nil {
		acc := k.SelectedAccount.Clone()
		out.SelectedAccount = &acc
	}
	return out
}

func (a Account) Clone() Account {
	out := a
	out.Latitude = cloneFloat(a.Latitude)
	out.Longitude = cloneFloat(a.Longitude)
	out.DistanceKm = cloneFloat(a.DistanceKm)
	return out
}

// PendingKit tracks the scan awaiting account confirmation.
type PendingKit struct {
	KitID    string     `json:"kitId"`
	Code     string     `json:"code"`
	Location Coordinate `json:"location"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

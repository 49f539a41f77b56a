package controller

import (
	"context"
	"fmt"
	"time"

	"kit-tracker/internal/models"
)

type State string

const (
	StateIdle              State = "idle"
	StateScanned           State = "scanned"
	StateLocationCaptured  State = "location_captured"
	StateAccountsRequested State = "accounts_requested"
	StateAccountConfirmed  State = "account_confirmed"
	StateCancelled         State = "cancelled"
)

// Flow is a point-in-time view of one scan.
type Flow struct {
	ID             string            `json:"id"`
	Code           string            `json:"code"`
	KitID          string            `json:"kitId,omitempty"`
	State          State             `json:"state"`
	Location       models.Coordinate `json:"location"`
	Accounts       []models.Account  `json:"accounts"`
	AccountsLoaded bool              `json:"accountsLoaded"`
	Logs           []string          `json:"logs"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
}

type flow struct {
	snap    Flow
	cancel  context.CancelFunc
	done    chan struct{}
	settled bool
}

func newFlow(id, code string, now time.Time) *flow {
	return &flow{
		snap: Flow{
			ID:        id,
			Code:      code,
			State:     StateScanned,
			Accounts:  []models.Account{},
			Logs:      []string{},
			StartedAt: now,
		},
		done: make(chan struct{}),
	}
}

func (f *flow) log(now time.Time, msg string) {
	f.snap.Logs = append(f.snap.Logs, fmt.Sprintf("[%s] %s", now.Format("15:04:05"), msg))
}

// settle releases Await callers. Safe to call more than once.
func (f *flow) settle() {
	if !f.settled {
		f.settled = true
		close(f.done)
	}
}

func (f *flow) terminal() bool {
	switch f.snap.State {
	case StateIdle, StateAccountConfirmed, StateCancelled:
		return true
	}
	return false
}

func (f *flow) snapshot() Flow {
	out := f.snap
	out.Accounts = make([]models.Account, len(f.snap.Accounts))
	for i, a := range f.snap.Accounts {
		out.Accounts[i] = a.Clone()
	}
	out.Logs = append([]string(nil), f.snap.Logs...)
	return out
}

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kit-tracker/internal/models"
)

var errInvalidSnapshot = errors.New("invalid session snapshot")

// On-disk shape. Timestamps are RFC 3339 strings so a hand-edited or
// truncated value fails loudly instead of decoding to the zero time.
type snapshot struct {
	ID        string        `json:"id"`
	StartedAt string        `json:"startedAt"`
	Kits      []snapshotKit `json:"kits"`
}

type snapshotKit struct {
	ID              string            `json:"id"`
	Code            string            `json:"code"`
	ScannedAt       string            `json:"scannedAt"`
	Location        models.Coordinate `json:"location"`
	SelectedAccount *models.Account   `json:"selectedAccount"`
}

// Encode serialises a session for durable storage.
func Encode(s models.Session) (string, error) {
	snap := snapshot{
		ID:        s.ID,
		StartedAt: s.StartedAt.UTC().Format(time.RFC3339Nano),
		Kits:      make([]snapshotKit, len(s.Kits)),
	}
	for i, k := range s.Kits {
		snap.Kits[i] = snapshotKit{
			ID:              k.ID,
			Code:            k.Code,
			ScannedAt:       k.ScannedAt.UTC().Format(time.RFC3339Nano),
			Location:        k.Location,
			SelectedAccount: k.SelectedAccount,
		}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses a stored session. Any kit or session missing its id or a
// parseable timestamp rejects the whole document.
func Decode(raw string) (models.Session, error) {
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return models.Session{}, fmt.Errorf("%w: %v", errInvalidSnapshot, err)
	}
	if snap.ID == "" {
		return models.Session{}, fmt.Errorf("%w: missing session id", errInvalidSnapshot)
	}
	startedAt, err := time.Parse(time.RFC3339Nano, snap.StartedAt)
	if err != nil {
		return models.Session{}, fmt.Errorf("%w: startedAt: %v", errInvalidSnapshot, err)
	}

	out := models.Session{ID: snap.ID, StartedAt: startedAt, Kits: make([]models.ScannedKit, 0, len(snap.Kits))}
	for i, k := range snap.Kits {
		if k.ID == "" {
			return models.Session{}, fmt.Errorf("%w: kit %d missing id", errInvalidSnapshot, i)
		}
		scannedAt, err := time.Parse(time.RFC3339Nano, k.ScannedAt)
		if err != nil {
			return models.Session{}, fmt.Errorf("%w: kit %s scannedAt: %v", errInvalidSnapshot, k.ID, err)
		}
		out.Kits = append(out.Kits, models.ScannedKit{
			ID:              k.ID,
			Code:            k.Code,
			ScannedAt:       scannedAt,
			Location:        k.Location,
			SelectedAccount: k.SelectedAccount,
		})
	}
	return out, nil
}

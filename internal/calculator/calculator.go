package calculator

import (
	"runtime"
	"sort"
	"sync"

	"kit-tracker/internal/models"
)

const (
	DefaultRadiusKm   = 25.0
	DefaultMaxResults = 10

	// below this many accounts the fan-out costs more than it saves
	parallelThreshold = 512
)

// Rank annotates accounts with their distance from origin, keeps the ones
// within radiusKm, sorts them ascending (ties keep source order) and caps the
// result at maxResults. Accounts with coordinates always get a freshly
// computed distance; accounts without coordinates keep a supplied distance or
// are dropped.
func Rank(origin models.Coordinate, accounts []models.Account, radiusKm float64, maxResults int) []models.Account {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	annotated := Annotate(origin, accounts)

	ranked := make([]models.Account, 0, len(annotated))
	for _, acc := range annotated {
		if acc.DistanceKm == nil {
			continue
		}
		if *acc.DistanceKm <= radiusKm {
			ranked = append(ranked, acc)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return *ranked[i].DistanceKm < *ranked[j].DistanceKm
	})

	if len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}
	return ranked
}

// Annotate returns copies of accounts with DistanceKm set from origin. The
// output keeps input order. Large inputs are split into per-CPU chunks.
func Annotate(origin models.Coordinate, accounts []models.Account) []models.Account {
	total := len(accounts)
	results := make([]models.Account, total)
	if total == 0 {
		return results
	}

	numCPU := runtime.NumCPU()
	if numCPU < 1 || total < parallelThreshold {
		numCPU = 1
	}
	chunkSize := (total + numCPU - 1) / numCPU

	var wg sync.WaitGroup
	for i := 0; i < numCPU; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if start >= total {
			break
		}
		if end > total {
			end = total
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for idx := s; idx < e; idx++ {
				results[idx] = annotateOne(origin, accounts[idx])
			}
		}(start, end)
	}
	wg.Wait()

	return results
}

func annotateOne(origin models.Coordinate, acc models.Account) models.Account {
	out := acc.Clone()
	if acc.HasCoordinates() {
		d := Haversine(origin.Latitude, origin.Longitude, *acc.Latitude, *acc.Longitude)
		out.DistanceKm = &d
	}
	return out
}

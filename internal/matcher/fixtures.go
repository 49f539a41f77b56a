package matcher

import (
	"context"

	"kit-tracker/internal/calculator"
	"kit-tracker/internal/models"
)

// FixtureProvider serves a fixed set of reference accounts. It never fails
// and is the last provider in the default chain.
type FixtureProvider struct {
	accounts []models.Account
}

// NewFixtureProvider uses accounts, or DefaultFixtures when accounts is empty.
func NewFixtureProvider(accounts []models.Account) *FixtureProvider {
	if len(accounts) == 0 {
		accounts = DefaultFixtures()
	}
	return &FixtureProvider{accounts: accounts}
}

func (p *FixtureProvider) Name() string { return "fixtures" }

func (p *FixtureProvider) NearestAccounts(_ context.Context, origin models.Coordinate, _ float64, _ int) ([]models.Account, error) {
	return calculator.Annotate(origin, p.accounts), nil
}

// DefaultFixtures are five San Francisco accounts.
func DefaultFixtures() []models.Account {
	fixture := func(id, name, street, postal string, lat, lng float64) models.Account {
		return models.Account{
			ID:                id,
			Name:              name,
			BillingStreet:     street,
			BillingCity:       "San Francisco",
			BillingState:      "CA",
			BillingPostalCode: postal,
			BillingCountry:    "US",
			Latitude:          models.Float(lat),
			Longitude:         models.Float(lng),
		}
	}
	return []models.Account{
		fixture("SF001", "Acme Corporation", "123 Main Street", "94102", 37.7749, -122.4194),
		fixture("SF002", "TechStart Industries", "456 Market Street", "94105", 37.7899, -122.4008),
		fixture("SF003", "Global Solutions Inc", "789 Mission Boulevard", "94103", 37.7833, -122.4167),
		fixture("SF004", "Pacific Trading Co", "321 Ocean Avenue", "94112", 37.7249, -122.4544),
		fixture("SF005", "Bay Area Logistics", "555 Howard Street", "94105", 37.7879, -122.3965),
	}
}

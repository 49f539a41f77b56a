// Package directory is the client for the remote account directory (a
// Salesforce-style REST API). It authenticates with a cached password-grant
// token and runs geodistance account queries.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"kit-tracker/internal/calculator"
	"kit-tracker/internal/models"
)

const (
	DefaultAPIVersion = "63.0"
	DefaultLimit      = 10
	MaxLimit          = 25

	maxErrorBody = 4 << 10
)

var fieldName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

type Options struct {
	APIVersion string
	// LatitudeField and LongitudeField name custom coordinate fields that take
	// precedence over BillingLatitude/BillingLongitude.
	LatitudeField  string
	LongitudeField string
	Limit          int
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Client queries the remote account directory.
type Client struct {
	auth       *AuthCache
	httpClient *http.Client
	logger     *zap.Logger
	apiVersion string
	latField   string
	lngField   string
	limit      int
}

// New builds a client. Invalid custom field names are rejected because they
// are interpolated into the query text.
func New(creds Credentials, opts Options) (*Client, error) {
	for _, f := range []string{opts.LatitudeField, opts.LongitudeField} {
		if f != "" && !fieldName.MatchString(f) {
			return nil, fmt.Errorf("directory: invalid field name %q", f)
		}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := strings.TrimPrefix(opts.APIVersion, "v")
	if version == "" {
		version = DefaultAPIVersion
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Client{
		auth:       NewAuthCache(creds, httpClient, logger),
		httpClient: httpClient,
		logger:     logger,
		apiVersion: version,
		latField:   opts.LatitudeField,
		lngField:   opts.LongitudeField,
		limit:      clampLimit(limit),
	}, nil
}

func (c *Client) Auth() *AuthCache { return c.auth }

func (c *Client) Name() string { return "directory" }

// NearestAccounts returns accounts within radiusKm of origin, closest first as
// ordered by the server. A rejected token triggers one forced
// re-authentication and retry.
func (c *Client) NearestAccounts(ctx context.Context, origin models.Coordinate, radiusKm float64, limit int) ([]models.Account, error) {
	if limit <= 0 {
		limit = c.limit
	}
	limit = clampLimit(limit)

	tok, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := c.query(ctx, tok, origin, radiusKm, limit)
	if !errors.Is(err, ErrAuthExpired) {
		return accounts, err
	}

	c.logger.Info("access token rejected, re-authenticating")
	c.auth.Invalidate()
	if tok, err = c.auth.Refresh(ctx); err != nil {
		return nil, err
	}
	return c.query(ctx, tok, origin, radiusKm, limit)
}

func (c *Client) query(ctx context.Context, tok Token, origin models.Coordinate, radiusKm float64, limit int) ([]models.Account, error) {
	soql := BuildNearestQuery(origin.Latitude, origin.Longitude, calculator.KmToMiles(radiusKm), limit, c.latField, c.lngField)
	c.logger.Debug("querying accounts",
		zap.Float64("latitude", origin.Latitude),
		zap.Float64("longitude", origin.Longitude),
		zap.Float64("radius_km", radiusKm),
		zap.String("soql", soql))

	endpoint := fmt.Sprintf("%s/services/data/v%s/query?%s", tok.InstanceURL, c.apiVersion, url.Values{"q": {soql}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &QueryError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &QueryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		qe := &QueryError{Status: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusUnauthorized {
			qe.Err = ErrAuthExpired
		}
		return nil, qe
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &QueryError{Err: err}
	}
	accounts, err := c.normalize(origin, body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("records normalized", zap.Int("accounts", len(accounts)))
	return accounts, nil
}

// normalize maps query records onto accounts. Records without usable
// coordinates are dropped.
func (c *Client) normalize(origin models.Coordinate, body []byte) ([]models.Account, error) {
	if !gjson.ValidBytes(body) {
		return nil, &QueryError{Err: fmt.Errorf("%w: invalid json", ErrMalformedResponse)}
	}
	records := gjson.GetBytes(body, "records")
	if !records.IsArray() {
		return nil, &QueryError{Err: fmt.Errorf("%w: records missing", ErrMalformedResponse)}
	}

	var accounts []models.Account
	for _, rec := range records.Array() {
		id := rec.Get("Id").String()
		if id == "" {
			continue
		}
		lat := firstFloat(c.field(rec, c.latField), rec.Get("BillingLatitude"))
		lng := firstFloat(c.field(rec, c.lngField), rec.Get("BillingLongitude"))
		if lat == nil || lng == nil {
			c.logger.Debug("skipping account without coordinates", zap.String("id", id))
			continue
		}

		var distance float64
		if miles := firstFloat(rec.Get("distanceMiles")); miles != nil {
			distance = calculator.MilesToKm(*miles)
		} else {
			distance = calculator.Haversine(origin.Latitude, origin.Longitude, *lat, *lng)
		}

		accounts = append(accounts, models.Account{
			ID:                id,
			Name:              rec.Get("Name").String(),
			BillingStreet:     rec.Get("BillingStreet").String(),
			BillingCity:       rec.Get("BillingCity").String(),
			BillingState:      rec.Get("BillingState").String(),
			BillingPostalCode: rec.Get("BillingPostalCode").String(),
			BillingCountry:    rec.Get("BillingCountry").String(),
			Latitude:          lat,
			Longitude:         lng,
			DistanceKm:        &distance,
		})
	}
	return accounts, nil
}

func (c *Client) field(rec gjson.Result, name string) gjson.Result {
	if name == "" {
		return gjson.Result{}
	}
	return rec.Get(name)
}

// firstFloat returns the first value that is a number or a numeric string.
func firstFloat(values ...gjson.Result) *float64 {
	for _, v := range values {
		switch v.Type {
		case gjson.Number:
			f := v.Float()
			return &f
		case gjson.String:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

// BuildNearestQuery renders the SOQL geodistance query. Custom coordinate
// fields are selected in addition to the billing fields when given.
func BuildNearestQuery(lat, lng, radiusMiles float64, limit int, latField, lngField string) string {
	fields := []string{
		"Id", "Name", "BillingStreet", "BillingCity", "BillingState",
		"BillingPostalCode", "BillingCountry", "BillingLatitude", "BillingLongitude",
	}
	for _, f := range []string{latField, lngField} {
		if f != "" && !contains(fields, f) {
			fields = append(fields, f)
		}
	}

	geo := fmt.Sprintf("GEOLOCATION(%s, %s)", formatFloat(lat), formatFloat(lng))
	distance := fmt.Sprintf("DISTANCE(BillingAddress, %s, 'mi')", geo)

	return fmt.Sprintf("SELECT %s, %s distanceMiles FROM Account WHERE %s < %.2f ORDER BY distanceMiles ASC LIMIT %d",
		strings.Join(fields, ", "), distance, distance, radiusMiles, clampLimit(limit))
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

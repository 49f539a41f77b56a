package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kit-tracker/internal/models"
)

var origin = models.Coordinate{Latitude: 37.7749, Longitude: -122.4194}

// fakeDirectory serves the token and query endpoints.
type fakeDirectory struct {
	t           *testing.T
	srv         *httptest.Server
	tokenCalls  atomic.Int32
	queryCalls  atomic.Int32
	tokenStatus int
	// queryStatus returns the status for the nth query call (1-based).
	queryStatus func(n int32) int
	records     string
	lastForm    atomic.Value
	lastQuery   atomic.Value
	issuedAt    func() time.Time
	expiresIn   int
	tokenGate   chan struct{}
	tokenSeen   chan struct{}
}

func newFakeDirectory(t *testing.T) *fakeDirectory {
	f := &fakeDirectory{
		t:           t,
		tokenStatus: http.StatusOK,
		queryStatus: func(int32) int { return http.StatusOK },
		records:     `{"totalSize":0,"done":true,"records":[]}`,
		issuedAt:    time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/services/oauth2/token", f.handleToken)
	mux.HandleFunc("/services/data/v63.0/query", f.handleQuery)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDirectory) handleToken(w http.ResponseWriter, r *http.Request) {
	n := f.tokenCalls.Add(1)
	if f.tokenSeen != nil {
		select {
		case f.tokenSeen <- struct{}{}:
		default:
		}
	}
	if f.tokenGate != nil {
		<-f.tokenGate
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.lastForm.Store(r.PostForm)
	if f.tokenStatus != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.tokenStatus)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"authentication failure"}`))
		return
	}
	body := map[string]any{
		"access_token": fmt.Sprintf("token-%d", n),
		"instance_url": f.srv.URL,
		"issued_at":    strconv.FormatInt(f.issuedAt().UnixMilli(), 10),
		"token_type":   "Bearer",
		"signature":    "sig",
		"id":           f.srv.URL + "/id/00D/005",
	}
	if f.expiresIn > 0 {
		body["expires_in"] = f.expiresIn
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeDirectory) handleQuery(w http.ResponseWriter, r *http.Request) {
	n := f.queryCalls.Add(1)
	f.lastQuery.Store(r.URL.Query().Get("q"))
	status := f.queryStatus(n)
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`[{"message":"nope","errorCode":"X"}]`))
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer token-") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(f.records))
}

func (f *fakeDirectory) credentials() Credentials {
	return Credentials{
		ClientID:      "3MVG9client",
		ClientSecret:  "shh",
		Username:      "ops@example.com",
		Password:      "hunter2",
		SecurityToken: "TOKEN",
		LoginURL:      f.srv.URL + "/",
	}
}

func newClient(t *testing.T, f *fakeDirectory, opts Options) *Client {
	t.Helper()
	c, err := New(f.credentials(), opts)
	require.NoError(t, err)
	return c
}

func TestMissingCredentials(t *testing.T) {
	c, err := New(Credentials{ClientID: "id"}, Options{})
	require.NoError(t, err)

	_, err = c.NearestAccounts(context.Background(), origin, 25, 10)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, []string{"clientSecret", "username", "password"}, authErr.Missing)
	assert.False(t, c.Auth().Configured())

	st := c.Auth().Status()
	assert.False(t, st.Connected)
	assert.Contains(t, st.Error, "missing credentials")
}

func TestTokenRequestRejected(t *testing.T) {
	f := newFakeDirectory(t)
	f.tokenStatus = http.StatusBadRequest
	c := newClient(t, f, Options{})

	_, err := c.NearestAccounts(context.Background(), origin, 25, 10)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusBadRequest, authErr.Status)
	assert.Contains(t, authErr.Body, "invalid_grant")

	st := c.Auth().Status()
	assert.False(t, st.Connected)
	assert.NotEmpty(t, st.Error)
	require.NotNil(t, st.LastAttempt)
	assert.Equal(t, "3MV***ent", st.LastAttempt.ClientID)
	assert.Equal(t, int32(0), f.queryCalls.Load())
}

func TestPasswordGrantForm(t *testing.T) {
	f := newFakeDirectory(t)
	c := newClient(t, f, Options{})

	tok, err := c.Auth().Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.AccessToken)
	assert.Equal(t, f.srv.URL, tok.InstanceURL)

	form := f.lastForm.Load().(url.Values)
	assert.Equal(t, []string{"password"}, form["grant_type"])
	assert.Equal(t, []string{"3MVG9client"}, form["client_id"])
	assert.Equal(t, []string{"shh"}, form["client_secret"])
	assert.Equal(t, []string{"ops@example.com"}, form["username"])
	assert.Equal(t, []string{"hunter2TOKEN"}, form["password"])

	st := c.Auth().Status()
	assert.True(t, st.Connected)
	assert.NotNil(t, st.LastSuccessAt)
	assert.Empty(t, st.Error)
}

func TestNearestAccountsNormalizesRecords(t *testing.T) {
	f := newFakeDirectory(t)
	f.records = `{"records":[
		{"Id":"001A","Name":"Acme Corporation","BillingCity":"San Francisco","BillingLatitude":37.7749,"BillingLongitude":-122.4194,"distanceMiles":0.5},
		{"Id":"001B","Name":"Custom Coords","Lat__c":"37.7899","Lng__c":" -122.4008 ","BillingLatitude":null,"BillingLongitude":null},
		{"Id":"001C","Name":"No Coordinates","BillingLatitude":null,"BillingLongitude":null},
		{"Id":"001D","Name":"Bad Custom Falls Back","Lat__c":"n/a","Lng__c":null,"BillingLatitude":"37.7833","BillingLongitude":-122.4167}
	]}`
	c := newClient(t, f, Options{LatitudeField: "Lat__c", LongitudeField: "Lng__c"})

	accounts, err := c.NearestAccounts(context.Background(), origin, 25, 10)
	require.NoError(t, err)
	require.Len(t, accounts, 3)

	assert.Equal(t, "001A", accounts[0].ID)
	assert.Equal(t, "San Francisco", accounts[0].BillingCity)
	assert.InDelta(t, 0.5*1.60934, *accounts[0].DistanceKm, 1e-9)

	assert.Equal(t, "001B", accounts[1].ID)
	assert.InDelta(t, 37.7899, *accounts[1].Latitude, 1e-9)
	assert.InDelta(t, -122.4008, *accounts[1].Longitude, 1e-9)
	assert.InDelta(t, 2.335, *accounts[1].DistanceKm, 0.01)

	assert.Equal(t, "001D", accounts[2].ID)
	assert.InDelta(t, 37.7833, *accounts[2].Latitude, 1e-9)

	q := f.lastQuery.Load().(string)
	assert.Contains(t, q, "Lat__c, Lng__c")
	assert.Contains(t, q, "GEOLOCATION(37.7749, -122.4194)")
	assert.Contains(t, q, "< 15.53")
	assert.Contains(t, q, "LIMIT 10")
}

func TestTokenIsCached(t *testing.T) {
	f := newFakeDirectory(t)
	c := newClient(t, f, Options{})

	for i := 0; i < 3; i++ {
		_, err := c.NearestAccounts(context.Background(), origin, 25, 5)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(3), f.queryCalls.Load())
}

func TestTokenRefreshedInsideExpiryMargin(t *testing.T) {
	f := newFakeDirectory(t)
	f.expiresIn = 120
	c := newClient(t, f, Options{})

	now := time.Now()
	c.Auth().now = func() time.Time { return now }

	_, err := c.Auth().Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	now = now.Add(30 * time.Second)
	_, err = c.Auth().Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenCalls.Load(), "still outside the margin")

	now = now.Add(31 * time.Second)
	_, err = c.Auth().Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.tokenCalls.Load(), "within 60s of expiry")
}

func TestDefaultLifetimeWithoutExpiresIn(t *testing.T) {
	f := newFakeDirectory(t)
	issued := time.Now().Add(-10 * time.Minute).Truncate(time.Millisecond)
	f.issuedAt = func() time.Time { return issued }
	c := newClient(t, f, Options{})

	tok, err := c.Auth().Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, issued.Add(time.Hour).UnixMilli(), tok.ExpiresAt.UnixMilli())
}

func TestUnauthorizedForcesOneReauth(t *testing.T) {
	f := newFakeDirectory(t)
	f.queryStatus = func(n int32) int {
		if n == 1 {
			return http.StatusUnauthorized
		}
		return http.StatusOK
	}
	c := newClient(t, f, Options{})

	_, err := c.NearestAccounts(context.Background(), origin, 25, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
	assert.Equal(t, int32(2), f.queryCalls.Load())
}

func TestUnauthorizedTwiceReportsExpired(t *testing.T) {
	f := newFakeDirectory(t)
	f.queryStatus = func(int32) int { return http.StatusUnauthorized }
	c := newClient(t, f, Options{})

	_, err := c.NearestAccounts(context.Background(), origin, 25, 10)
	require.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(2), f.queryCalls.Load())
}

func TestQueryFailures(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		f := newFakeDirectory(t)
		f.queryStatus = func(int32) int { return http.StatusInternalServerError }
		c := newClient(t, f, Options{})

		_, err := c.NearestAccounts(context.Background(), origin, 25, 10)
		var qe *QueryError
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, http.StatusInternalServerError, qe.Status)
		assert.Contains(t, qe.Body, "nope")
		assert.False(t, errors.Is(err, ErrAuthExpired))
	})

	t.Run("invalid json", func(t *testing.T) {
		f := newFakeDirectory(t)
		f.records = `{"records":[`
		c := newClient(t, f, Options{})

		_, err := c.NearestAccounts(context.Background(), origin, 25, 10)
		require.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("records missing", func(t *testing.T) {
		f := newFakeDirectory(t)
		f.records = `{"totalSize":0}`
		c := newClient(t, f, Options{})

		_, err := c.NearestAccounts(context.Background(), origin, 25, 10)
		var qe *QueryError
		require.ErrorAs(t, err, &qe)
		require.ErrorIs(t, err, ErrMalformedResponse)
	})
}

func TestConcurrentRefreshIsCoalesced(t *testing.T) {
	f := newFakeDirectory(t)
	f.tokenGate = make(chan struct{})
	f.tokenSeen = make(chan struct{}, 1)
	c := newClient(t, f, Options{})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]Token, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = c.Auth().Token(context.Background())
		}(i)
	}

	<-f.tokenSeen
	time.Sleep(50 * time.Millisecond)
	close(f.tokenGate)
	wg.Wait()

	assert.Equal(t, int32(1), f.tokenCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", tokens[i].AccessToken)
	}
}

func TestInvalidFieldNameRejected(t *testing.T) {
	_, err := New(Credentials{}, Options{LatitudeField: "Lat__c FROM User --"})
	assert.Error(t, err)
}

func TestBuildNearestQuery(t *testing.T) {
	q := BuildNearestQuery(37.5, -122.25, 15.534, 40, "", "")
	assert.Equal(t,
		"SELECT Id, Name, BillingStreet, BillingCity, BillingState, BillingPostalCode, BillingCountry, BillingLatitude, BillingLongitude, "+
			"DISTANCE(BillingAddress, GEOLOCATION(37.5, -122.25), 'mi') distanceMiles FROM Account "+
			"WHERE DISTANCE(BillingAddress, GEOLOCATION(37.5, -122.25), 'mi') < 15.53 ORDER BY distanceMiles ASC LIMIT 25",
		q)

	q = BuildNearestQuery(0, 0, 1, 0, "BillingLatitude", "Lng__c")
	assert.Equal(t, 1, strings.Count(q, "BillingLatitude,"))
	assert.Contains(t, q, "Lng__c, DISTANCE")
	assert.Contains(t, q, "LIMIT 10")
}

func TestMask(t *testing.T) {
	assert.Equal(t, "<not-set>", mask(""))
	assert.Equal(t, "****", mask("abcd"))
	assert.Equal(t, "abc***xyz", mask("abcdefxyz"))
}

package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/wifiscore/pkg"
	"github.com/markus-lassfolk/wifiscore/pkg/api"
	"github.com/markus-lassfolk/wifiscore/pkg/connected"
	"github.com/markus-lassfolk/wifiscore/pkg/evaluator"
	"github.com/markus-lassfolk/wifiscore/pkg/scorecard"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
	"github.com/markus-lassfolk/wifiscore/pkg/selector"
	"github.com/markus-lassfolk/wifiscore/pkg/store"
	"github.com/markus-lassfolk/wifiscore/pkg/telem"
)

const bssid = "6c:f3:7f:ae:8c:f3"

type fakeClock struct{ now int64 }

func (c *fakeClock) ElapsedSinceBootMillis() int64 { return c.now }

type fixture struct {
	client    *apiClient
	params    *scoring.Params
	scoreCard *scorecard.ScoreCard
	out       *bytes.Buffer
}

func newFixture(t *testing.T, serverKey, clientKey string) *fixture {
	t.Helper()
	clock := &fakeClock{now: 10000}
	params := scoring.NewParams()
	blobs := store.NewMemoryStore(nil)
	sc := scorecard.New(clock, scorecard.NewKeyDeriver("seed"), blobs, nil)
	events, err := telem.NewStore(10, 10)
	require.NoError(t, err)
	profiles := evaluator.NewMemoryProfileStore()
	saved := evaluator.NewSavedNetworkEvaluator(params, profiles, nil, nil)

	server := api.NewServer(api.Deps{
		Params:    params,
		ScoreCard: sc,
		Report:    connected.NewScoreReport(params, clock, events, nil),
		Selector:  selector.New(selector.DefaultConfig(), params, clock, nil, nil, saved),
		Store:     blobs,
		Telemetry: events,
		Gatherer:  prometheus.NewRegistry(),
		AuthKey:   serverKey,
	}, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	out := &bytes.Buffer{}
	stdout = out
	t.Cleanup(func() { stdout = nil })

	return &fixture{
		client:    newAPIClient(ts.URL+"/", clientKey, 5*time.Second),
		params:    params,
		scoreCard: sc,
		out:       out,
	}
}

func (f *fixture) connect() {
	link := &pkg.LinkInfo{SSID: "home", BSSID: bssid, Frequency: 5180, RSSI: -60, LinkSpeedMbps: 433}
	f.scoreCard.NoteConnectionAttempt(link)
	f.scoreCard.NoteSignalPoll(link)
	f.scoreCard.NoteValidationSuccess(link)
}

func TestParamsRoundTrip(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()

	require.NoError(t, handleSetParams(ctx, f.client, "horizon=20"))
	assert.Contains(t, f.out.String(), "generation 1")
	assert.Equal(t, 20, f.params.HorizonSeconds())

	f.out.Reset()
	require.NoError(t, handleParams(ctx, f.client, "standard"))
	assert.Contains(t, f.out.String(), "horizon=20")
}

// TestRejectedParamsSurfaceTheReason tests that error documents become apiError values
func TestRejectedParamsSurfaceTheReason(t *testing.T) {
	f := newFixture(t, "", "")

	err := handleSetParams(context.Background(), f.client, "rssi5=-10:-20:-30:-40")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "params rejected", apiErr.Message)
	assert.NotEmpty(t, apiErr.Details)
	assert.Equal(t, uint64(0), f.params.Generation())
}

func TestAPIKey(t *testing.T) {
	f := newFixture(t, "secret", "wrong")
	err := handleStatus(context.Background(), f.client, "json")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	f.client.apiKey = "secret"
	require.NoError(t, handleStatus(context.Background(), f.client, "standard"))
	assert.Contains(t, f.out.String(), "ledgers:")
}

func TestScoreCardCSV(t *testing.T) {
	f := newFixture(t, "", "")
	f.connect()

	require.NoError(t, handleScoreCard(context.Background(), f.client, "csv", false))
	rows, err := csv.NewReader(strings.NewReader(f.out.String())).ReadAll()
	require.NoError(t, err)
	require.Greater(t, len(rows), 1)
	assert.Equal(t, "ssid", rows[0][0])
	for _, row := range rows[1:] {
		assert.Equal(t, `"home"`, row[0])
		assert.Equal(t, bssid, row[2])
	}
}

// TestSnapshotDecodes tests that a saved binary snapshot reads back offline
func TestSnapshotDecodes(t *testing.T) {
	f := newFixture(t, "", "")
	f.connect()
	path := filepath.Join(t.TempDir(), "scorecard.bin")

	require.NoError(t, handleSnapshot(context.Background(), f.client, path, false))
	assert.Contains(t, f.out.String(), "saved")

	f.out.Reset()
	require.NoError(t, handleDecode(path, "standard"))
	out := f.out.String()
	assert.Contains(t, out, "ScoreCard (1 networks)")
	assert.Contains(t, out, bssid)

	// without addresses the BSSID never leaves the daemon
	require.NoError(t, handleSnapshot(context.Background(), f.client, path, true))
	f.out.Reset()
	require.NoError(t, handleDecode(path, "json"))
	assert.NotContains(t, f.out.String(), bssid)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff}, 0o644))
	err := handleDecode(path, "json")
	assert.True(t, errors.Is(err, pkg.ErrPersistenceCorruption))
}

func TestBlacklistCommands(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()

	require.NoError(t, handleBlacklistAdd(ctx, f.client, bssid))
	f.out.Reset()
	require.NoError(t, handleBlacklist(ctx, f.client, "standard"))
	assert.Equal(t, bssid+"\n", f.out.String())

	assert.Error(t, handleBlacklistAdd(ctx, f.client, "bogus"))
}

func TestEventsNeedNoJournal(t *testing.T) {
	f := newFixture(t, "", "")
	require.NoError(t, handleEvents(context.Background(), f.client, 5, "json"))
	assert.Equal(t, "[]\n", f.out.String())

	// selections live in the journal, which this daemon does not have
	assert.Error(t, handleSelections(context.Background(), f.client, 5, "json"))
}

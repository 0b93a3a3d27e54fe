package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/markus-lassfolk/wifiscore/pkg/audit"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/scorecard"
	"github.com/markus-lassfolk/wifiscore/pkg/telem"
	"github.com/markus-lassfolk/wifiscore/pkg/utils"
)

// Command line flags
var (
	// Connection
	apiURL   = flag.String("api", "http://127.0.0.1:8089", "wifiscored control API address")
	apiKey   = flag.String("api-key", "", "X-API-Key sent with every request")
	timeout  = flag.Duration("timeout", 10*time.Second, "Request timeout")
	logLevel = flag.String("log-level", "warn", "Log level (debug|info|warn|error|trace)")

	// Output Format Options
	outputFormat = flag.String("format", "standard", "Output format: standard, json, csv")

	// Queries
	showStatus      = flag.Bool("status", false, "Show daemon status")
	showParams      = flag.Bool("params", false, "Show the scoring parameters")
	showScoreCard   = flag.Bool("scorecard", false, "Show the access point ledgers")
	showSelections  = flag.Int("selections", 0, "Show the last N journaled selections")
	showStats       = flag.Bool("stats", false, "Show selection statistics")
	showTransitions = flag.Int("transitions", 0, "Show the last N connected score transitions")
	showEvents      = flag.Int("events", 0, "Show the last N telemetry events")
	showBlacklist   = flag.Bool("blacklist", false, "Show the blacklisted BSSIDs")

	// Changes
	setParams      = flag.String("set-params", "", "Apply a key=value,... scoring parameter update")
	addBlacklist   = flag.String("blacklist-add", "", "Blacklist a BSSID")
	clearBlacklist = flag.Bool("blacklist-clear", false, "Empty the blacklist")
	clearScoreCard = flag.Bool("scorecard-clear", false, "Drop every in-memory ledger")

	// Snapshots
	snapshotPath = flag.String("snapshot", "", "Save the binary scorecard snapshot to this file")
	omitAddress  = flag.Bool("omit-address", false, "Leave BSSIDs out of scorecard output")
	decodePath   = flag.String("decode", "", "Decode a saved scorecard snapshot without contacting the daemon")

	version = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "wifiscorectl"
	AppVersion = "1.0.0"
)

// stdout is swapped by tests
var stdout io.Writer = os.Stdout

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	logger := logx.NewLogger(*logLevel, AppName)

	if *decodePath != "" {
		if err := handleDecode(*decodePath, *outputFormat); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := newAPIClient(*apiURL, *apiKey, *timeout)
	logger.Debug("using control API", "url", *apiURL)

	var err error
	switch {
	case *setParams != "":
		err = handleSetParams(ctx, c, *setParams)
	case *addBlacklist != "":
		err = handleBlacklistAdd(ctx, c, *addBlacklist)
	case *clearBlacklist:
		err = c.call(ctx, http.MethodDelete, "/api/blacklist", nil, "", nil)
	case *clearScoreCard:
		err = c.call(ctx, http.MethodDelete, "/api/scorecard", nil, "", nil)
	case *snapshotPath != "":
		err = handleSnapshot(ctx, c, *snapshotPath, *omitAddress)
	case *showParams:
		err = handleParams(ctx, c, *outputFormat)
	case *showScoreCard:
		err = handleScoreCard(ctx, c, *outputFormat, *omitAddress)
	case *showSelections > 0:
		err = handleSelections(ctx, c, *showSelections, *outputFormat)
	case *showStats:
		err = handleStats(ctx, c, *outputFormat)
	case *showTransitions > 0:
		err = handleTransitions(ctx, c, *showTransitions, *outputFormat)
	case *showEvents > 0:
		err = handleEvents(ctx, c, *showEvents, *outputFormat)
	case *showBlacklist:
		err = handleBlacklist(ctx, c, *outputFormat)
	case *showStatus:
		err = handleStatus(ctx, c, *outputFormat)
	default:
		showUsage()
		os.Exit(2)
	}
	if err != nil {
		logger.Debug("command failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func limitQuery(n int) url.Values {
	return url.Values{"limit": []string{strconv.Itoa(n)}}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// handleStatus prints the status document key by key
func handleStatus(ctx context.Context, c *apiClient, format string) error {
	var status map[string]interface{}
	if err := c.call(ctx, http.MethodGet, "/api/status", nil, "", &status); err != nil {
		return err
	}
	if format == "json" {
		return printJSON(status)
	}
	fmt.Fprintln(stdout, "wifiscored Status:")
	fmt.Fprintln(stdout, "==================")
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := status[k].(type) {
		case map[string]interface{}, []interface{}:
			b, _ := json.Marshal(v)
			fmt.Fprintf(stdout, "  %-12s %s\n", k+":", b)
		default:
			fmt.Fprintf(stdout, "  %-12s %v\n", k+":", v)
		}
	}
	return nil
}

type paramsReply struct {
	Params     string `json:"params"`
	Generation uint64 `json:"generation"`
}

func handleParams(ctx context.Context, c *apiClient, format string) error {
	var p paramsReply
	if err := c.call(ctx, http.MethodGet, "/api/params", nil, "", &p); err != nil {
		return err
	}
	if format == "json" {
		return printJSON(p)
	}
	fmt.Fprintf(stdout, "%s\n", p.Params)
	fmt.Fprintf(stdout, "generation %d\n", p.Generation)
	return nil
}

func handleSetParams(ctx context.Context, c *apiClient, kv string) error {
	var p paramsReply
	if err := c.call(ctx, http.MethodPut, "/api/params", nil, kv, &p); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "applied, generation %d: %s\n", p.Generation, p.Params)
	return nil
}

type signalView struct {
	Event     string  `json:"event"`
	Frequency int     `json:"frequency"`
	Samples   int64   `json:"samples"`
	MeanRSSI  float64 `json:"mean_rssi"`
	MeanSpeed float64 `json:"mean_link_speed"`
}

type accessPointView struct {
	BSSID       string       `json:"bssid,omitempty"`
	SuccessRate *float64     `json:"connection_success_rate,omitempty"`
	Signals     []signalView `json:"signals"`
}

type networkView struct {
	SSID         string            `json:"ssid"`
	Security     string            `json:"security"`
	AccessPoints []accessPointView `json:"access_points"`
}

type scoreCardReply struct {
	StartTimeMillis int64         `json:"start_time_ms"`
	EndTimeMillis   int64         `json:"end_time_ms"`
	Networks        []networkView `json:"networks"`
}

func handleScoreCard(ctx context.Context, c *apiClient, format string, omit bool) error {
	q := url.Values{}
	if omit {
		q.Set("omit_address", "1")
	}
	var reply scoreCardReply
	if err := c.call(ctx, http.MethodGet, "/api/scorecard", q, "", &reply); err != nil {
		return err
	}
	return outputScoreCard(&reply, format)
}

// handleSnapshot saves the binary snapshot for later decoding
func handleSnapshot(ctx context.Context, c *apiClient, path string, omit bool) error {
	q := url.Values{"format": []string{"binary"}}
	if omit {
		q.Set("omit_address", "1")
	}
	data, err := c.raw(ctx, http.MethodGet, "/api/scorecard", q, "")
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	fmt.Fprintf(stdout, "saved %d bytes to %s\n", len(data), path)
	return nil
}

// handleDecode prints a saved binary snapshot
func handleDecode(path, format string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	list, err := scorecard.UnmarshalNetworkList(data)
	if err != nil {
		return err
	}
	return outputScoreCard(viewOf(list), format)
}

func viewOf(list *scorecard.NetworkList) *scoreCardReply {
	reply := &scoreCardReply{StartTimeMillis: list.StartTimeMillis, EndTimeMillis: list.EndTimeMillis}
	for _, n := range list.Networks {
		nv := networkView{SSID: n.SSID, Security: n.Security.String()}
		for _, ap := range n.AccessPoints {
			av := accessPointView{}
			if !ap.BSSID.IsZero() {
				av.BSSID = ap.BSSID.String()
			}
			if rate, ok := ap.ConnectionSuccessRate(); ok {
				av.SuccessRate = &rate
			}
			for _, sig := range ap.Signals() {
				av.Signals = append(av.Signals, signalView{
					Event:     sig.Event.String(),
					Frequency: sig.Frequency,
					Samples:   sig.RSSI.Count(),
					MeanRSSI:  sig.RSSI.Mean(),
					MeanSpeed: sig.LinkSpeed.Mean(),
				})
			}
			nv.AccessPoints = append(nv.AccessPoints, av)
		}
		reply.Networks = append(reply.Networks, nv)
	}
	return reply
}

func outputScoreCard(reply *scoreCardReply, format string) error {
	switch format {
	case "json":
		return printJSON(reply)
	case "csv":
		w := csv.NewWriter(stdout)
		if err := w.Write([]string{"ssid", "security", "bssid", "success_rate", "event", "frequency", "samples", "mean_rssi", "mean_link_speed"}); err != nil {
			return err
		}
		for _, n := range reply.Networks {
			for _, ap := range n.AccessPoints {
				rate := ""
				if ap.SuccessRate != nil {
					rate = strconv.FormatFloat(*ap.SuccessRate, 'f', 3, 64)
				}
				for _, s := range ap.Signals {
					if err := w.Write([]string{
						n.SSID, n.Security, ap.BSSID, rate, s.Event,
						strconv.Itoa(s.Frequency),
						strconv.FormatInt(s.Samples, 10),
						strconv.FormatFloat(s.MeanRSSI, 'f', 1, 64),
						strconv.FormatFloat(s.MeanSpeed, 'f', 1, 64),
					}); err != nil {
						return err
					}
				}
			}
		}
		w.Flush()
		return w.Error()
	}

	fmt.Fprintf(stdout, "ScoreCard (%d networks)\n", len(reply.Networks))
	fmt.Fprintln(stdout, "=======================")
	for _, n := range reply.Networks {
		fmt.Fprintf(stdout, "\n%s [%s]\n", n.SSID, n.Security)
		for _, ap := range n.AccessPoints {
			bssid := ap.BSSID
			if bssid == "" {
				bssid = "(address omitted)"
			}
			if ap.SuccessRate != nil {
				fmt.Fprintf(stdout, "  %s  success %.0f%%\n", bssid, *ap.SuccessRate*100)
			} else {
				fmt.Fprintf(stdout, "  %s\n", bssid)
			}
			for _, s := range ap.Signals {
				fmt.Fprintf(stdout, "    %-32s %5d MHz  n=%-5d rssi %6.1f  speed %6.1f\n",
					s.Event, s.Frequency, s.Samples, s.MeanRSSI, s.MeanSpeed)
			}
		}
	}
	return nil
}

func handleSelections(ctx context.Context, c *apiClient, n int, format string) error {
	var reply struct {
		Selections []*audit.SelectionRecord `json:"selections"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/selections", limitQuery(n), "", &reply); err != nil {
		return err
	}
	switch format {
	case "json":
		return printJSON(reply.Selections)
	case "csv":
		w := csv.NewWriter(stdout)
		if err := w.Write([]string{"recorded_at", "cycle_id", "skipped", "ssid", "bssid", "evaluator_id", "score", "candidates"}); err != nil {
			return err
		}
		for _, r := range reply.Selections {
			if err := w.Write([]string{
				r.RecordedAt.Format(time.RFC3339), r.CycleID, r.Skipped, r.SSID, r.BSSID,
				strconv.Itoa(r.EvaluatorID), strconv.Itoa(r.Score), strconv.Itoa(r.Candidates),
			}); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	}
	for _, r := range reply.Selections {
		if r.Skipped != "" {
			fmt.Fprintf(stdout, "%s  skipped: %s\n", r.RecordedAt.Format(time.RFC3339), r.Skipped)
			continue
		}
		fmt.Fprintf(stdout, "%s  %s %s score %d (%d candidates)\n",
			r.RecordedAt.Format(time.RFC3339), r.SSID, r.BSSID, r.Score, r.Candidates)
	}
	return nil
}

func handleStats(ctx context.Context, c *apiClient, format string) error {
	var st audit.SelectionStats
	if err := c.call(ctx, http.MethodGet, "/api/selections/stats", nil, "", &st); err != nil {
		return err
	}
	if format == "json" {
		return printJSON(st)
	}
	fmt.Fprintf(stdout, "Selections: %d (average score %.1f)\n", st.Total, st.AvgScore)
	printCounts("Skipped", st.Skipped)
	printCounts("Chosen BSSIDs", st.ByBssid)
	return nil
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(stdout, "%s:\n", title)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		fmt.Fprintf(stdout, "  %-32s %d\n", k, counts[k])
	}
}

func handleTransitions(ctx context.Context, c *apiClient, n int, format string) error {
	var reply struct {
		Transitions []*audit.ScoreTransition `json:"transitions"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/transitions", limitQuery(n), "", &reply); err != nil {
		return err
	}
	if format == "json" {
		return printJSON(reply.Transitions)
	}
	for _, tr := range reply.Transitions {
		fmt.Fprintf(stdout, "%s  session %d %s: %s -> %s (score %d, rssi %d)\n",
			tr.RecordedAt.Format(time.RFC3339), tr.Session, tr.BSSID, tr.From, tr.To, tr.Score, tr.RSSI)
	}
	return nil
}

func handleEvents(ctx context.Context, c *apiClient, n int, format string) error {
	var reply struct {
		Events []*telem.Event `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/events", limitQuery(n), "", &reply); err != nil {
		return err
	}
	if format == "json" {
		return printJSON(reply.Events)
	}
	for _, ev := range reply.Events {
		fmt.Fprintf(stdout, "%10d  %-18s %s\n", ev.TimeMillis, ev.Type, ev.Message)
	}
	return nil
}

func handleBlacklist(ctx context.Context, c *apiClient, format string) error {
	var reply struct {
		Blacklist []string `json:"blacklist"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/blacklist", nil, "", &reply); err != nil {
		return err
	}
	if format == "json" {
		return printJSON(reply.Blacklist)
	}
	for _, b := range reply.Blacklist {
		fmt.Fprintln(stdout, b)
	}
	return nil
}

func handleBlacklistAdd(ctx context.Context, c *apiClient, bssid string) error {
	if err := c.call(ctx, http.MethodPut, "/api/blacklist/"+url.PathEscape(bssid), nil, "", nil); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "blacklisted %s\n", bssid)
	return nil
}

func showUsage() {
	fmt.Fprintf(os.Stderr, "%s %s - control client for wifiscored\n\n", AppName, AppVersion)
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <command flag>\n\n", AppName)
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "\nExamples:")
	fmt.Fprintf(os.Stderr, "  %s -status\n", AppName)
	fmt.Fprintf(os.Stderr, "  %s -set-params horizon=20,nud=6\n", AppName)
	fmt.Fprintf(os.Stderr, "  %s -selections 20 -format csv\n", AppName)
	fmt.Fprintf(os.Stderr, "  %s -snapshot /tmp/scorecard.bin -omit-address\n", AppName)
	fmt.Fprintf(os.Stderr, "  %s -decode /tmp/scorecard.bin\n", AppName)
}

package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/persistence"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/supervisor"
)

// Snapshot is everything one refresh shows.
type Snapshot struct {
	Processes []supervisor.Status
	Usage     supervisor.ResourceUsage
	Results   []persistence.TestResult
	Events    []framework.Event
	Fetched   time.Time
}

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// HTTPSource polls a running webtestd API and tails its event log.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
	// EventLog is the JSONL event file written by the daemon; empty skips
	// events.
	EventLog    string
	ResultLimit int
	EventLimit  int
}

// Snapshot fetches processes and recent results.
func (s HTTPSource) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Fetched: time.Now()}
	var view struct {
		Processes []supervisor.Status      `json:"processes"`
		Usage     supervisor.ResourceUsage `json:"usage"`
	}
	if err := s.get(ctx, "/api/processes", &view); err != nil {
		return snap, err
	}
	snap.Processes = view.Processes
	snap.Usage = view.Usage

	limit := s.ResultLimit
	if limit <= 0 {
		limit = 10
	}
	if err := s.get(ctx, fmt.Sprintf("/api/tests?limit=%d", limit), &snap.Results); err != nil {
		return snap, err
	}
	if s.EventLog != "" {
		events, err := ReadEvents(s.EventLog, s.EventLimit)
		if err != nil {
			return snap, err
		}
		snap.Events = events
	}
	return snap, nil
}

// get decodes the data field of the API envelope into v.
func (s HTTPSource) get(ctx context.Context, path string, v any) error {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	doc := gjson.ParseBytes(body)
	if resp.StatusCode >= 400 || !doc.Get("success").Bool() {
		msg := doc.Get("error").String()
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("GET %s: %s", path, msg)
	}
	data := doc.Get("data")
	if !data.Exists() {
		return nil
	}
	return json.Unmarshal([]byte(data.Raw), v)
}

// ReadEvents returns the last limit events of a JSONL event file. A missing
// file yields no events; undecodable lines are skipped.
func ReadEvents(path string, limit int) ([]framework.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]framework.Event, 0, limit)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev framework.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil || ev.Type == "" {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, ev)
	}
	return ring, scanner.Err()
}

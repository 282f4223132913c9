package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/supervisor"
)

type loadTestParams struct {
	ScriptFile string            `json:"script_file"`
	Duration   string            `json:"duration"`
	VUs        int               `json:"vus"`
	Options    map[string]any    `json:"options"`
	Env        map[string]string `json:"env"`
}

// executeLoadTest runs k6 and returns its summary text. A k6 failure is
// reported inside the result so callers can classify it from the output.
func (h *Host) executeLoadTest(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var p loadTestParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ScriptFile == "" {
		return nil, errors.New("script_file is required")
	}
	if p.Duration == "" {
		p.Duration = "30s"
	}
	if p.VUs <= 0 {
		p.VUs = 10
	}
	args := append(h.binary("K6_BIN", "k6"), "run", "--duration", p.Duration, "--vus", strconv.Itoa(p.VUs))
	keys := make([]string, 0, len(p.Options))
	for k := range p.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k, fmt.Sprint(p.Options[k]))
	}
	envKeys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		args = append(args, "-e", k+"="+p.Env[k])
	}
	args = append(args, p.ScriptFile)

	h.Logger.Info("running k6", zap.Strings("args", args))
	stdout, stderr, err := h.Runner.Run(ctx, CommandRequest{Args: args, Env: os.Environ(), Timeout: h.Timeout})
	output := stdout + stderr
	code, exited := exitStatus(err)
	if err != nil && !exited {
		output = fmt.Sprintf("Error executing k6 test: %v\n%s", err, output)
		code = -1
	}
	return map[string]any{
		"output":    output,
		"exit_code": code,
		"metrics":   supervisor.ParseMetrics(output),
	}, nil
}

type auditParams struct {
	URL        string   `json:"url"`
	Device     string   `json:"device"`
	Categories []string `json:"categories"`
}

// auditMetrics maps lighthouse audit ids to metric names.
var auditMetrics = map[string]string{
	"first-contentful-paint":   "first_contentful_paint_ms",
	"largest-contentful-paint": "largest_contentful_paint_ms",
	"total-blocking-time":      "total_blocking_time_ms",
	"cumulative-layout-shift":  "cumulative_layout_shift",
	"speed-index":              "speed_index_ms",
}

// runAudit runs lighthouse with a JSON report on stdout and summarizes the
// category scores.
func (h *Host) runAudit(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var p auditParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, errors.New("url is required")
	}
	if len(p.Categories) == 0 {
		p.Categories = []string{"performance"}
	}
	args := append(h.binary("LIGHTHOUSE_BIN", "lighthouse"), p.URL,
		"--output=json",
		"--output-path=stdout",
		"--quiet",
		"--chrome-flags=--headless",
		"--only-categories="+strings.Join(p.Categories, ","),
	)
	if p.Device == "" || p.Device == "desktop" {
		args = append(args, "--preset=desktop")
	}

	h.Logger.Info("running lighthouse", zap.String("url", p.URL), zap.Strings("categories", p.Categories))
	stdout, stderr, err := h.Runner.Run(ctx, CommandRequest{Args: args, Env: os.Environ(), Timeout: h.Timeout})
	if err != nil {
		return nil, fmt.Errorf("lighthouse failed: %v: %s", err, strings.TrimSpace(stderr))
	}
	return summarizeReport(stdout, p.Categories)
}

func summarizeReport(report string, categories []string) (map[string]any, error) {
	if !gjson.Valid(report) {
		return nil, errors.New("lighthouse produced no JSON report")
	}
	doc := gjson.Parse(report)
	metrics := map[string]float64{}
	var lines []string
	for _, c := range categories {
		score := doc.Get("categories." + c + ".score")
		if !score.Exists() {
			continue
		}
		value := score.Float() * 100
		metrics[c] = value
		lines = append(lines, fmt.Sprintf("%s: %.0f", c, value))
	}
	for id, name := range auditMetrics {
		if v := doc.Get("audits." + id + ".numericValue"); v.Exists() {
			metrics[name] = v.Float()
		}
	}
	finalURL := doc.Get("finalDisplayedUrl").String()
	if finalURL == "" {
		finalURL = doc.Get("finalUrl").String()
	}
	return map[string]any{
		"success": true,
		"url":     finalURL,
		"output":  strings.Join(lines, "\n"),
		"metrics": metrics,
	}, nil
}

package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

const defaultPageTimeout = 30 * time.Second

// PageReport describes a loaded page.
type PageReport struct {
	URL      string
	Title    string
	LoadTime time.Duration
}

// ScriptReport is the outcome of a scenario run.
type ScriptReport struct {
	Logs  []string
	Value string
}

// Browser drives a headless browser.
type Browser interface {
	Visit(ctx context.Context, url string, timeout time.Duration) (PageReport, error)
	RunScript(ctx context.Context, url, script string, timeout time.Duration) (ScriptReport, error)
}

// RodBrowser launches a fresh headless Chromium per call.
type RodBrowser struct {
	// Bin overrides the browser binary; empty lets the launcher find or
	// download one.
	Bin string
}

func (b *RodBrowser) open(ctx context.Context) (*rod.Browser, func(), error) {
	l := launcher.New().Headless(true).Context(ctx)
	if b.Bin != "" {
		l = l.Bin(b.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, nil, fmt.Errorf("connect browser: %w", err)
	}
	return browser, func() {
		_ = browser.Close()
		l.Cleanup()
	}, nil
}

func (b *RodBrowser) load(browser *rod.Browser, url string, timeout time.Duration) (*rod.Page, error) {
	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	page = page.Timeout(timeout)
	if err := page.Navigate(url); err != nil {
		return nil, navigationError(url, timeout, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, navigationError(url, timeout, err)
	}
	return page, nil
}

// navigationError phrases deadline failures the way browser tooling does so
// timeout detection downstream recognizes them.
func navigationError(url string, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("page.goto: Timeout %dms exceeded navigating to %s", timeout.Milliseconds(), url)
	}
	return fmt.Errorf("navigate %s: %w", url, err)
}

// Visit loads url and reports its title and load time.
func (b *RodBrowser) Visit(ctx context.Context, url string, timeout time.Duration) (PageReport, error) {
	browser, closeFn, err := b.open(ctx)
	if err != nil {
		return PageReport{}, err
	}
	defer closeFn()

	start := time.Now()
	page, err := b.load(browser, url, timeout)
	if err != nil {
		return PageReport{}, err
	}
	info, err := page.Info()
	if err != nil {
		return PageReport{}, fmt.Errorf("page info: %w", err)
	}
	return PageReport{URL: info.URL, Title: info.Title, LoadTime: time.Since(start)}, nil
}

// RunScript loads url and evaluates script as the body of an async function
// in the page.
func (b *RodBrowser) RunScript(ctx context.Context, url, script string, timeout time.Duration) (ScriptReport, error) {
	report := ScriptReport{Logs: []string{"navigate " + url}}
	browser, closeFn, err := b.open(ctx)
	if err != nil {
		return report, err
	}
	defer closeFn()

	page, err := b.load(browser, url, timeout)
	if err != nil {
		report.Logs = append(report.Logs, err.Error())
		return report, err
	}
	if info, err := page.Info(); err == nil {
		report.Logs = append(report.Logs, "loaded "+info.Title)
	}
	report.Logs = append(report.Logs, "evaluate scenario")
	res, err := page.Eval("async () => {\n" + script + "\n}")
	if err != nil {
		report.Logs = append(report.Logs, "scenario failed: "+err.Error())
		return report, fmt.Errorf("scenario: %w", err)
	}
	report.Value = res.Value.String()
	report.Logs = append(report.Logs, "scenario returned "+report.Value)
	return report, nil
}

type pageTestParams struct {
	URL    string `json:"url"`
	Config struct {
		Timeout int `json:"timeout"`
	} `json:"config"`
}

type scenarioParams struct {
	ScenarioCode string `json:"scenarioCode"`
	Config       struct {
		URL     string `json:"url"`
		Timeout int    `json:"timeout"`
	} `json:"config"`
}

func pageTimeout(ms int) time.Duration {
	if ms <= 0 {
		return defaultPageTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

func (h *Host) runPageTest(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var p pageTestParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, errors.New("url is required")
	}
	if h.Browser == nil {
		return nil, errors.New("no browser configured")
	}
	h.Logger.Info("visiting page", zap.String("url", p.URL))
	report, err := h.Browser.Visit(ctx, p.URL, pageTimeout(p.Config.Timeout))
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	loadMs := float64(report.LoadTime.Milliseconds())
	return map[string]any{
		"success": true,
		"title":   report.Title,
		"url":     report.URL,
		"output":  fmt.Sprintf("loaded %s (%q) in %.0fms", report.URL, report.Title, loadMs),
		"metrics": map[string]float64{"load_time_ms": loadMs},
	}, nil
}

// executeScenario reports scenario failures inside data so the logs collected
// so far travel with them.
func (h *Host) executeScenario(ctx context.Context, raw json.RawMessage) (map[string]any, error) {
	var p scenarioParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	data := map[string]any{"success": true}
	switch {
	case p.Config.URL == "":
		data["success"] = false
		data["error"] = "scenario config.url is required"
		data["logs"] = []string{}
	case h.Browser == nil:
		data["success"] = false
		data["error"] = "no browser configured"
		data["logs"] = []string{}
	default:
		h.Logger.Info("running scenario", zap.String("url", p.Config.URL))
		report, err := h.Browser.RunScript(ctx, p.Config.URL, p.ScenarioCode, pageTimeout(p.Config.Timeout))
		data["logs"] = report.Logs
		if err != nil {
			data["success"] = false
			data["error"] = err.Error()
		} else {
			data["value"] = report.Value
		}
	}
	return map[string]any{"success": true, "data": data}, nil
}

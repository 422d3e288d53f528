package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"

	"carmarket-scraper/config"
	"carmarket-scraper/utils"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Page is the result of one navigation: enough of the loaded document to
// run block detection and evidence checks without going back to the tab.
type Page struct {
	URL   string
	Title string
	HTML  string
}

// Session owns one browser engine instance bound to one network identity.
// Sessions are deliberately short-lived: the caller recycles them after a
// batch of fetches or on a hard failure.
type Session struct {
	cfg    *config.Config
	logger *utils.Logger

	cancelAlloc context.CancelFunc
	tabCtx      context.Context
	cancelTab   context.CancelFunc

	fetches int
}

// Open launches a browser instance bound to the given proxy endpoint (nil
// for a direct connection), applies anti-fingerprinting countermeasures,
// and returns a ready session. Launch failure is fatal to the caller.
func Open(cfg *config.Config, ep *config.ProxyEndpoint, logger *utils.Logger) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "en-US"),
		chromedp.UserAgent(userAgent),
	)
	if bin := findChromeBinary(cfg.ChromeBin); bin != "" {
		opts = append(opts, chromedp.ExecPath(bin))
	}
	if ep != nil {
		opts = append(opts, chromedp.ProxyServer(ep.Server))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)

	// Suppress chromedp log noise
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	s := &Session{
		cfg:         cfg,
		logger:      logger,
		cancelAlloc: cancelAlloc,
		tabCtx:      tabCtx,
		cancelTab:   cancelTab,
	}

	if ep != nil && ep.Username != "" {
		s.answerProxyAuth(ep.Username, ep.Password)
	}

	boot := []chromedp.Action{
		emulation.SetTimezoneOverride("Asia/Kuala_Lumpur"),
		chromedp.EmulateViewport(1920, 1080),
	}
	if ep != nil && ep.Username != "" {
		boot = append([]chromedp.Action{fetch.Enable().WithHandleAuthRequests(true)}, boot...)
	}

	bootCtx, cancelBoot := context.WithTimeout(tabCtx, cfg.NavTimeout)
	defer cancelBoot()
	if err := chromedp.Run(bootCtx, boot...); err != nil {
		s.Close()
		return nil, fmt.Errorf("browser: launch: %w", err)
	}

	logger.Debug("[browser] session opened (proxy=%v)", ep != nil)
	return s, nil
}

// answerProxyAuth wires the CDP fetch domain so proxy 407 challenges are
// answered with the session's credential instead of surfacing as errors.
func (s *Session) answerProxyAuth(username, password string) {
	chromedp.ListenTarget(s.tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				c := chromedp.FromContext(s.tabCtx)
				execCtx := cdp.WithExecutor(s.tabCtx, c.Target)
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				}
				if err := fetch.ContinueWithAuth(e.RequestID, resp).Do(execCtx); err != nil {
					s.logger.Debug("[browser] continueWithAuth: %v", err)
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(s.tabCtx)
				execCtx := cdp.WithExecutor(s.tabCtx, c.Target)
				if err := fetch.ContinueRequest(e.RequestID).Do(execCtx); err != nil {
					s.logger.Debug("[browser] continueRequest: %v", err)
				}
			}()
		}
	})
}

// Navigate loads url in the session's tab and returns the settled page.
// The configured navigation timeout applies; exceeding it is a retryable
// failure for the caller, never fatal.
func (s *Session) Navigate(ctx context.Context, url string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	navCtx, cancel := context.WithTimeout(s.tabCtx, s.cfg.NavTimeout)
	defer cancel()

	var title, html string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.Sleep(2*time.Second),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", url, err)
	}

	s.fetches++
	return &Page{URL: url, Title: title, HTML: html}, nil
}

// Eval runs a JavaScript expression in the current tab and unmarshals the
// result into out.
func (s *Session) Eval(js string, out interface{}) error {
	evalCtx, cancel := context.WithTimeout(s.tabCtx, s.cfg.NavTimeout)
	defer cancel()
	return chromedp.Run(evalCtx, chromedp.Evaluate(js, out))
}

// VerifyEgressIP navigates to the IP echo endpoint and returns the address
// the far side observed. Callers treat failure as non-fatal: the crawl can
// proceed, only proxy validation flows require a confirmed identity.
func (s *Session) VerifyEgressIP(ctx context.Context) (string, error) {
	if _, err := s.Navigate(ctx, s.cfg.IPEchoURL); err != nil {
		return "", err
	}
	// The IP check does not count against the batch budget.
	s.fetches--

	var body string
	if err := s.Eval(`document.body.innerText`, &body); err != nil {
		return "", fmt.Errorf("browser: read ip echo body: %w", err)
	}

	ip := strings.TrimSpace(body)
	s.logger.Info("[browser] egress IP: %s", ip)
	return ip, nil
}

// Fetches returns how many page fetches this session has performed.
func (s *Session) Fetches() int { return s.fetches }

// Exhausted reports whether the session hit its batch budget and should be
// recycled for a fresh identity.
func (s *Session) Exhausted() bool {
	return s.fetches >= s.cfg.BatchSize
}

// Close tears down the tab and the browser process.
func (s *Session) Close() {
	s.cancelTab()
	s.cancelAlloc()
	s.logger.Debug("[browser] session closed after %d fetches", s.fetches)
}

// Blocked inspects a loaded page for known anti-bot challenge markers. A
// true result means the caller should replace the session (new proxy
// identity) before retrying the same URL once.
func Blocked(p *Page) bool {
	if p == nil {
		return false
	}
	if strings.TrimSpace(p.Title) == "Just a moment..." {
		return true
	}
	return strings.Contains(p.HTML, "cf-browser-verification") ||
		strings.Contains(p.HTML, "Checking your browser before accessing")
}

// findChromeBinary locates the Chrome/Chromium binary, preferring the
// configured override.
func findChromeBinary(override string) string {
	if override != "" {
		return override
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

package browser

import "context"

// Driver is the navigation surface one browsing session exposes. The crawl
// controller and the lifecycle tracker depend on this rather than the
// concrete Session so they can be exercised without a browser.
type Driver interface {
	Navigate(ctx context.Context, url string) (*Page, error)
	Eval(js string, out interface{}) error
	VerifyEgressIP(ctx context.Context) (string, error)
	Fetches() int
	Exhausted() bool
	Close()
}

// Factory produces a fresh session bound to a fresh proxy identity. Each
// call yields a new network identity; callers invoke it on startup, at
// batch boundaries, and when a block forces a session replacement.
type Factory func() (Driver, error)

package acme

import (
	"context"
	"net/url"
	"time"

	"github.com/skua-io/acme/jsonutil"
	"github.com/skua-io/acme/probs"
)

// defaultPollInterval is used between polls when the server sends no
// Retry-After.
const defaultPollInterval = 3 * time.Second

// resource is the common state of every server-side ACME resource: its
// canonical URL (fixed for the resource's lifetime), the login used for
// signed access, and the freshness bookkeeping for the cached document.
type resource struct {
	login      *Login
	url        *url.URL
	loaded     bool
	retryAfter time.Time
}

// Location returns the resource's canonical URL.
func (r *resource) Location() *url.URL {
	return r.url
}

// Login returns the login the resource is bound to.
func (r *resource) Login() *Login {
	return r.login
}

// IsLoaded reports whether a document is cached for this resource.
func (r *resource) IsLoaded() bool {
	return r.loaded
}

// RetryAfter returns the earliest instant the server wants to be polled
// again, if it said so on the last update.
func (r *resource) RetryAfter() (time.Time, bool) {
	return r.retryAfter, !r.retryAfter.IsZero()
}

// fetchDocument performs a POST-as-GET of the resource and returns the
// parsed body, recording the response's retry-after deadline.
func (r *resource) fetchDocument(ctx context.Context) (jsonutil.Value, error) {
	conn := r.login.sess.Connect()
	defer conn.Close()

	if err := conn.SendSignedPostAsGetRequest(ctx, r.url, r.login); err != nil {
		return jsonutil.Value{}, err
	}
	doc, err := conn.ReadJSONResponse()
	if err != nil {
		return jsonutil.Value{}, err
	}
	if !doc.IsPresent() {
		return jsonutil.Value{}, probs.ProtocolError("empty response body for %s", r.url)
	}
	if deadline, ok := conn.RetryAfter(); ok {
		r.retryAfter = deadline
	} else {
		r.retryAfter = time.Time{}
	}
	return doc, nil
}

// lazyLoad runs update if no document is cached yet, wrapping failures so
// callers can tell an implicit fetch from one they asked for.
func (r *resource) lazyLoad(ctx context.Context, update func(context.Context) error) error {
	if r.loaded {
		return nil
	}
	if err := update(ctx); err != nil {
		return probs.Wrap(probs.LazyLoad, err, "implicit fetch of %s failed", r.url)
	}
	return nil
}

// pollDelay returns how long to sleep before the next poll, honoring the
// server's Retry-After deadline when one was given.
func (r *resource) pollDelay() time.Duration {
	clk := r.login.sess.clk
	if deadline, ok := r.RetryAfter(); ok {
		if wait := deadline.Sub(clk.Now()); wait > 0 {
			return wait
		}
		return 0
	}
	return defaultPollInterval
}

// poll repeatedly updates the resource until done reports true, sleeping
// between rounds per pollDelay, up to the giveUp duration. A zero giveUp
// polls until the context is canceled.
func (r *resource) poll(ctx context.Context, giveUp time.Duration, update func(context.Context) error, done func() bool) error {
	clk := r.login.sess.clk
	deadline := time.Time{}
	if giveUp > 0 {
		deadline = clk.Now().Add(giveUp)
	}

	for {
		if err := update(ctx); err != nil {
			return err
		}
		if done() {
			return nil
		}
		if !deadline.IsZero() && !clk.Now().Before(deadline) {
			return probs.New(probs.Network, "gave up polling %s after %s", r.url, giveUp)
		}
		if err := sleep(ctx, clk, r.pollDelay()); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, clk interface {
	After(d time.Duration) <-chan time.Time
}, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return probs.NetworkError(ctx.Err(), "polling canceled")
	case <-clk.After(d):
		return nil
	}
}

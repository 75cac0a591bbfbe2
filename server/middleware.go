package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// adminGuard checks credentials for /admin/ routes. A token, a username and
// password pair, or both may be configured; with neither the routes are open.
type adminGuard struct {
	token    string
	username string
	password string
}

func newAdminGuard(opts Options, log *slog.Logger) adminGuard {
	g := adminGuard{token: opts.AdminToken, username: opts.AdminUsername, password: opts.AdminPassword}
	if g.open() {
		log.Warn("admin endpoints are unprotected; set ADMIN_TOKEN or ADMIN_USERNAME and ADMIN_PASSWORD")
	}
	return g
}

func (g adminGuard) hasBasic() bool { return g.username != "" && g.password != "" }

func (g adminGuard) open() bool { return g.token == "" && !g.hasBasic() }

// authorized reports whether r carries valid admin credentials. The token is
// read from X-Admin-Token or a Bearer Authorization header.
func (g adminGuard) authorized(r *http.Request) bool {
	if g.open() {
		return true
	}
	if g.token != "" && equalSecret(presentedToken(r), g.token) {
		return true
	}
	if !g.hasBasic() {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := equalSecret(user, g.username)
	passOK := equalSecret(pass, g.password)
	return userOK && passOK
}

func (g adminGuard) wrap(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="game-tender admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		log.Warn("admin request rejected", slog.String("path", r.URL.Path), slog.String("client", clientIP(r)))
	})
}

func presentedToken(r *http.Request) string {
	if t := r.Header.Get("X-Admin-Token"); t != "" {
		return t
	}
	t, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return t
}

func equalSecret(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// adminLimiter allows each client at most limit admin requests per fixed
// window. A manual poll walks every tracked game, so bursts are refused
// before they reach the poller.
type adminLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*clientWindow
}

type clientWindow struct {
	start time.Time
	count int
}

// newAdminLimiter returns a limiter pruned until ctx is done. A limit <= 0
// disables it.
func newAdminLimiter(ctx context.Context, limit int, window time.Duration) *adminLimiter {
	l := &adminLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientWindow),
	}
	if limit > 0 && window > 0 {
		go l.pruneLoop(ctx)
	}
	return l
}

// allow counts one request from client. When refused it returns how long the
// client has to wait for its window to reset.
func (l *adminLimiter) allow(client string) (bool, time.Duration) {
	if l.limit <= 0 || l.window <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cw, ok := l.clients[client]
	if !ok || now.Sub(cw.start) >= l.window {
		l.clients[client] = &clientWindow{start: now, count: 1}
		return true, 0
	}
	if cw.count >= l.limit {
		return false, cw.start.Add(l.window).Sub(now)
	}
	cw.count++
	return true, 0
}

func (l *adminLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for client, cw := range l.clients {
		if now.Sub(cw.start) >= l.window {
			delete(l.clients, client)
		}
	}
}

func (l *adminLimiter) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

func (l *adminLimiter) wrap(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		ok, wait := l.allow(client)
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			log.Warn("admin rate limit exceeded", slog.String("client", client), slog.Duration("retry_after", wait))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// clientIP returns the request's client address without port, preferring the
// first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		addr = strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

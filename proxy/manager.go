package proxy

import (
	"math/rand"
	"strings"

	"github.com/google/uuid"

	"carmarket-scraper/config"
	"carmarket-scraper/utils"
)

// Manager issues a proxy configuration per browsing session. Selection is
// pure: the manager holds no connection state, only the pool definition
// and the current rotating session token.
type Manager struct {
	mode   config.ProxyMode
	server string
	user   string
	pass   string
	pool   []config.ProxyEndpoint
	token  string
	logger *utils.Logger
}

// New builds a Manager from the worker config. An empty custom pool under
// custom_pool mode degrades to direct connections with a warning rather
// than failing startup.
func New(cfg *config.Config, logger *utils.Logger) *Manager {
	mode := cfg.ProxyMode
	if mode == config.ProxyCustomPool && len(cfg.CustomProxies) == 0 {
		logger.Warn("[proxy] custom_pool selected but CUSTOM_PROXIES is empty — running without proxy")
		mode = config.ProxyNone
	}

	return &Manager{
		mode:   mode,
		server: cfg.ProxyServer,
		user:   cfg.ProxyUsername,
		pass:   cfg.ProxyPassword,
		pool:   cfg.CustomProxies,
		token:  newSessionToken(),
		logger: logger,
	}
}

// Next returns the proxy endpoint for the next browsing session, or nil
// for a direct connection.
func (m *Manager) Next() *config.ProxyEndpoint {
	switch m.mode {
	case config.ProxySinglePool:
		// The upstream provider binds a fresh exit IP per session token,
		// so the same account yields a new identity after each Rotate.
		ep := &config.ProxyEndpoint{
			Server:   m.server,
			Username: m.user + "-sessid-" + m.token,
			Password: m.pass,
		}
		m.logger.Info("[proxy] single_pool session %s via %s", m.token, m.server)
		return ep

	case config.ProxyCustomPool:
		ep := m.pool[rand.Intn(len(m.pool))]
		m.logger.Info("[proxy] custom_pool pick: %s", ep.Server)
		return &ep

	default:
		m.logger.Info("[proxy] running without proxy")
		return nil
	}
}

// Rotate regenerates the sticky session token so the next single_pool
// session gets a new upstream exit IP.
func (m *Manager) Rotate() {
	m.token = newSessionToken()
}

// Token exposes the current session token, mainly for logging.
func (m *Manager) Token() string { return m.token }

func newSessionToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

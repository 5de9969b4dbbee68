package relay

import "sync"

// ConnConfig bounds concurrent relay sessions.
type ConnConfig struct {
	PerIPCap  int
	GlobalCap int
}

// ConnAccounting tracks open session counts so the WebSocket upgrade path
// can refuse with HTTP 429 before committing resources.
type ConnAccounting struct {
	cfg    ConnConfig
	mu     sync.Mutex
	perIP  map[string]int
	global int
}

func NewConnAccounting(cfg ConnConfig) *ConnAccounting {
	return &ConnAccounting{cfg: cfg, perIP: make(map[string]int)}
}

// CanAccept reserves a slot for ip if both caps allow it, returning false
// (without reserving) otherwise. The caller must call Release on
// disconnect whenever CanAccept returned true.
func (c *ConnAccounting) CanAccept(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.GlobalCap > 0 && c.global >= c.cfg.GlobalCap {
		return false
	}
	if c.cfg.PerIPCap > 0 && c.perIP[ip] >= c.cfg.PerIPCap {
		return false
	}
	c.global++
	c.perIP[ip]++
	return true
}

// Release gives back a slot reserved by a prior successful CanAccept.
func (c *ConnAccounting) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.global > 0 {
		c.global--
	}
	if n := c.perIP[ip]; n > 0 {
		if n == 1 {
			delete(c.perIP, ip)
		} else {
			c.perIP[ip] = n - 1
		}
	}
}

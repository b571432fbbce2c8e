package memory

import (
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/config"
)

// Config tunes the tiers. Zero fields take the defaults.
type Config struct {
	// HotCapacity is the number of recent records held per user.
	HotCapacity int
	// MaxActiveUsers bounds the number of resident hot rings.
	MaxActiveUsers int

	ContextLimit         int
	MinContextTurns      int
	HotConversations     int
	TurnsPerConversation int
	ColdPadLimit         int

	// ArchiveTimeout bounds cold-tier reads.
	ArchiveTimeout time.Duration
}

// DefaultConfig returns K=3 and the context window sizes used by chat.
func DefaultConfig() Config {
	return Config{
		HotCapacity:          3,
		MaxActiveUsers:       10000,
		ContextLimit:         10,
		MinContextTurns:      5,
		HotConversations:     2,
		TurnsPerConversation: 3,
		ColdPadLimit:         5,
		ArchiveTimeout:       2 * time.Second,
	}
}

// ConfigFromApp maps the memory section of the application config.
func ConfigFromApp(m config.MemoryConfig) Config {
	return Config{
		HotCapacity:          m.HotCapacity,
		MaxActiveUsers:       m.MaxActiveUsers,
		ContextLimit:         m.ContextLimit,
		MinContextTurns:      m.MinContextTurns,
		HotConversations:     m.HotConversations,
		TurnsPerConversation: m.TurnsPerConversation,
		ColdPadLimit:         m.ColdPadLimit,
		ArchiveTimeout:       m.ArchiveTimeout.Duration(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.HotCapacity <= 0 {
		c.HotCapacity = d.HotCapacity
	}
	if c.MaxActiveUsers <= 0 {
		c.MaxActiveUsers = d.MaxActiveUsers
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = d.ContextLimit
	}
	if c.MinContextTurns <= 0 {
		c.MinContextTurns = d.MinContextTurns
	}
	if c.HotConversations <= 0 {
		c.HotConversations = d.HotConversations
	}
	if c.TurnsPerConversation <= 0 {
		c.TurnsPerConversation = d.TurnsPerConversation
	}
	if c.ColdPadLimit <= 0 {
		c.ColdPadLimit = d.ColdPadLimit
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = d.ArchiveTimeout
	}
}

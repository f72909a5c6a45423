package syncer

import (
	"fmt"
	"strings"
	"time"

	"giro/internal/giro"
)

// Strategy decides which side wins when a local change and a cloud change
// touch the same entity.
type Strategy string

const (
	LastWriterWins Strategy = "last_writer_wins"
	CloudWins      Strategy = "cloud_wins"
	LocalWins      Strategy = "local_wins"
	MarkForReview  Strategy = "mark_for_review"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", LastWriterWins:
		return LastWriterWins, nil
	case CloudWins:
		return CloudWins, nil
	case LocalWins:
		return LocalWins, nil
	case MarkForReview:
		return MarkForReview, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy: %q", s)
	}
}

type Config struct {
	Strategy         Strategy
	Interval         time.Duration
	CloudEnabled     bool
	LANEnabled       bool
	CloudPriority    bool
	OperationTimeout time.Duration
	RetryOnFailure   bool
	MaxRetries       int
	// EntityTypes limits push and pull; empty means every replicated type.
	EntityTypes []giro.EntityType
}

func DefaultConfig() Config {
	return Config{
		Strategy:         LastWriterWins,
		Interval:         300 * time.Second,
		CloudEnabled:     true,
		LANEnabled:       true,
		CloudPriority:    true,
		OperationTimeout: 60 * time.Second,
		RetryOnFailure:   true,
		MaxRetries:       3,
		EntityTypes:      giro.AllEntityTypes,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if len(c.EntityTypes) == 0 {
		c.EntityTypes = d.EntityTypes
	}
}

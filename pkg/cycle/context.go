package cycle

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solaredge/pkg/types"
)

// Config is the per-invocation configuration of a cycle.
type Config struct {
	SiteID            string
	APIKey            string
	Instance          string
	PublishSoC        bool
	PublishLastUpdate bool
	Timeout           time.Duration
}

// Configured registers the cycle flags.
func Configured() *Config {
	siteID := lflag.String("site-id", "", "SolarEdge site ID")
	apiKey := lflag.String("api-key", "", "SolarEdge monitoring API key")
	instance := lflag.String("instance", "0", "Instance number used in the state paths")
	publishSoC := lflag.Bool("publish-soc", true, "Publish the battery state of charge")
	publishLastUpdate := lflag.Bool("publish-last-update", true, "Publish the time of the last successful update")
	timeout := lflag.Duration("cycle-timeout", 15*time.Second, "Deadline for a whole polling cycle")

	c := &Config{}
	lflag.Do(func() {
		c.SiteID = strings.TrimSpace(*siteID)
		c.APIKey = strings.TrimSpace(*apiKey)
		c.Instance = *instance
		c.PublishSoC = *publishSoC
		c.PublishLastUpdate = *publishLastUpdate
		c.Timeout = *timeout
	})
	return c
}

// Validate returns a *ConfigError if the cycle cannot run.
func (c Config) Validate() error {
	if c.SiteID == "" {
		return &ConfigError{Field: "site-id"}
	}
	if c.APIKey == "" {
		return &ConfigError{Field: "api-key"}
	}
	if c.Instance == "" {
		return &ConfigError{Field: "instance"}
	}
	// both end up as path segments
	if strings.ContainsAny(c.SiteID, "./ ") {
		return &ConfigError{Field: "site-id", Reason: "must not contain '.', '/' or spaces"}
	}
	if strings.ContainsAny(c.Instance, "./ ") {
		return &ConfigError{Field: "instance", Reason: "must not contain '.', '/' or spaces"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "cycle-timeout", Reason: "must be positive"}
	}
	return nil
}

// Metrics returns the definitions tracked by this configuration.
func (c Config) Metrics() []types.MetricDefinition {
	return types.TrackedMetrics(c.PublishSoC, c.PublishLastUpdate)
}

// CycleContext is everything a single cycle knows about itself. It is built
// at cycle entry and discarded when the cycle ends.
type CycleContext struct {
	ID       string
	SiteID   string
	APIKey   string
	Instance string
	Started  time.Time
	Metrics  []types.MetricDefinition
	Plan     StateCreationPlan
}

func newCycleContext(c Config, started time.Time) *CycleContext {
	return &CycleContext{
		ID:       uuid.NewString(),
		SiteID:   c.SiteID,
		APIKey:   c.APIKey,
		Instance: c.Instance,
		Started:  started,
		Metrics:  c.Metrics(),
	}
}

// Path returns the state path of name for this cycle's site.
func (cc *CycleContext) Path(name types.MetricName) string {
	return types.StatePath(cc.Instance, cc.SiteID, name)
}

// StateCreationPlan is the set of tracked metrics found missing in the
// store. It is consumed at most once.
type StateCreationPlan struct {
	missing  map[types.MetricName]struct{}
	consumed bool
}

// MarkMissing adds name to the plan.
func (p *StateCreationPlan) MarkMissing(name types.MetricName) {
	if p.missing == nil {
		p.missing = make(map[types.MetricName]struct{})
	}
	p.missing[name] = struct{}{}
}

// Missing returns the missing metric names, sorted.
func (p *StateCreationPlan) Missing() []string {
	names := make([]string, 0, len(p.missing))
	for n := range p.missing {
		names = append(names, string(n))
	}
	sort.Strings(names)
	return names
}

// Consume returns true the first time it is called on a plan with any
// missing metric and false afterwards.
func (p *StateCreationPlan) Consume() bool {
	if p.consumed {
		return false
	}
	p.consumed = true
	return len(p.missing) > 0
}

// Package admission gates new connections on registry occupancy.
//
// The controller is consulted by the accept loop twice per connection: before
// calling accept (AwaitCapacity) and right after it (Admit). Under the wait
// policy the loop stops accepting until a slot frees up; under the reject
// policy connections are accepted and immediately dropped while the server is
// full.
package admission

import (
	"context"
	"time"

	"pkt.systems/predictd/internal/clock"
	"pkt.systems/predictd/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultRetryInterval is used when the configured wait interval is not positive.
const DefaultRetryInterval = 100 * time.Millisecond

// Policy selects what happens when the server is full.
type Policy int

const (
	// PolicyWait blocks the accept loop until occupancy drops below the limit.
	PolicyWait Policy = iota
	// PolicyReject accepts and immediately closes excess connections.
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyWait:
		return "wait"
	case PolicyReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Occupancy reports how many clients are currently registered.
type Occupancy interface {
	Occupancy() int
}

// Config configures the controller.
type Config struct {
	// MaxClients bounds concurrent connections; zero or negative disables the limit.
	MaxClients int
	// RejectOnMaxClients selects PolicyReject instead of PolicyWait.
	RejectOnMaxClients bool
	// RetryInterval is the sleep between occupancy checks under PolicyWait.
	RetryInterval time.Duration

	Clock  clock.Clock
	Logger pslog.Logger
}

// Decision is the outcome of Admit for one accepted connection.
type Decision struct {
	Admit     bool
	Occupancy int
	Reason    string
}

// Controller applies the admission policy.
type Controller struct {
	cfg       Config
	policy    Policy
	occupancy Occupancy
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *admissionMetrics
}

// NewController constructs a controller reading occupancy from occ.
func NewController(cfg Config, occ Occupancy) *Controller {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	policy := PolicyWait
	if cfg.RejectOnMaxClients {
		policy = PolicyReject
	}
	c := &Controller{
		cfg:       cfg,
		policy:    policy,
		occupancy: occ,
		clock:     cfg.Clock,
		logger:    loggingutil.WithSubsystem(logger, "control.admission"),
	}
	c.metrics = newAdmissionMetrics(logger, c)
	return c
}

// Policy returns the configured policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// Limit returns the configured client limit (0 when unlimited).
func (c *Controller) Limit() int {
	if c.cfg.MaxClients < 0 {
		return 0
	}
	return c.cfg.MaxClients
}

func (c *Controller) full() (bool, int) {
	current := c.occupancy.Occupancy()
	if c.cfg.MaxClients <= 0 {
		return false, current
	}
	return current >= c.cfg.MaxClients, current
}

// AwaitCapacity blocks under PolicyWait while the server is full, sleeping
// RetryInterval between checks. It returns ctx.Err() if ctx ends first and
// returns immediately under PolicyReject.
func (c *Controller) AwaitCapacity(ctx context.Context) error {
	if c.policy == PolicyReject {
		return nil
	}
	waited := 0
	for {
		full, current := c.full()
		if !full {
			if waited > 0 {
				c.logger.Info("predictd.admission.resumed",
					"occupancy", current,
					"max_clients", c.cfg.MaxClients,
					"rounds", waited)
			}
			return nil
		}
		waited++
		c.logger.Warn("predictd.admission.waiting",
			"occupancy", current,
			"max_clients", c.cfg.MaxClients,
			"retry_interval", c.cfg.RetryInterval)
		c.metrics.recordWait(ctx)
		if err := c.clock.Sleep(ctx, c.cfg.RetryInterval); err != nil {
			return err
		}
	}
}

// Admit decides whether a freshly accepted connection may be served.
func (c *Controller) Admit(ctx context.Context) Decision {
	full, current := c.full()
	decision := Decision{Admit: true, Occupancy: current}
	if full && c.policy == PolicyReject {
		decision.Admit = false
		decision.Reason = "max_clients"
		c.logger.Warn("predictd.admission.rejected",
			"occupancy", current,
			"max_clients", c.cfg.MaxClients)
	}
	c.metrics.recordDecision(ctx, decision)
	return decision
}

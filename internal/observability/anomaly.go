package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/scriptbox/internal/config"
)

// AnomalyDetector flags users whose recent runs are mostly security
// violations and, when configured, blocks them for a cool-down period.
// A nil detector flags nobody.
type AnomalyDetector struct {
	mu     sync.Mutex
	users  map[string]*userOutcomes
	cfg    *config.AnomalyConfig
	logger *slog.Logger
	now    func() time.Time
}

// userOutcomes is the sliding window of one user's runs, oldest first.
type userOutcomes struct {
	runs         []outcome
	blockedUntil time.Time
}

type outcome struct {
	at        time.Time
	violation bool
}

// NewAnomalyDetector creates a detector from cfg.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		users:  make(map[string]*userOutcomes),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (a *AnomalyDetector) window() time.Duration {
	if a.cfg.WindowSeconds > 0 {
		return time.Duration(a.cfg.WindowSeconds) * time.Second
	}
	return 5 * time.Minute
}

func (a *AnomalyDetector) minRuns() int {
	if a.cfg.MinRuns > 0 {
		return a.cfg.MinRuns
	}
	return 5
}

// RecordRun records one finished execution of userID and reports whether
// it left the user above the violation rate threshold. Only violating runs
// can flag a user.
func (a *AnomalyDetector) RecordRun(userID string, violation bool) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	u, ok := a.users[userID]
	if !ok {
		u = &userOutcomes{}
		a.users[userID] = u
	}
	u.runs = append(u.runs, outcome{at: now, violation: violation})
	u.prune(now.Add(-a.window()))

	threshold := a.cfg.ViolationRateThreshold
	if !violation || threshold <= 0 || len(u.runs) < a.minRuns() {
		return false
	}
	violations := 0
	for _, r := range u.runs {
		if r.violation {
			violations++
		}
	}
	rate := float64(violations) / float64(len(u.runs))
	if rate <= threshold {
		return false
	}

	if a.cfg.BlockSeconds > 0 {
		u.blockedUntil = now.Add(time.Duration(a.cfg.BlockSeconds) * time.Second)
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high security violation rate",
			slog.String("user_id", userID),
			slog.Float64("violation_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Int("violations", violations),
			slog.Int("runs", len(u.runs)),
			slog.Time("blocked_until", u.blockedUntil),
		)
	}
	return true
}

// Blocked reports whether userID is in a cool-down and for how much longer.
func (a *AnomalyDetector) Blocked(userID string) (time.Duration, bool) {
	if a == nil {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.users[userID]
	if !ok {
		return 0, false
	}
	now := a.now()
	if left := u.blockedUntil.Sub(now); left > 0 {
		return left, true
	}
	u.prune(now.Add(-a.window()))
	if len(u.runs) == 0 {
		delete(a.users, userID)
	}
	return 0, false
}

// prune drops runs recorded before cutoff.
func (u *userOutcomes) prune(cutoff time.Time) {
	i := 0
	for i < len(u.runs) && u.runs[i].at.Before(cutoff) {
		i++
	}
	u.runs = u.runs[i:]
}

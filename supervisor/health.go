package supervisor

import (
	"time"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
)

// healthLoop runs the periodic liveness check for one record until it is
// stopped or exits.
func (s *Supervisor) healthLoop(rec *Record) {
	defer s.wg.Done()
	ticker := time.NewTicker(rec.Config.HealthInterval())
	defer ticker.Stop()
	for {
		select {
		case <-rec.healthStop:
			return
		case <-rec.Done():
			return
		case now := <-ticker.C:
			s.checkHealth(rec, now)
		}
	}
}

// checkHealth marks the record unhealthy when it has been silent longer than
// the threshold. It never stops or restarts the process.
func (s *Supervisor) checkHealth(rec *Record, now time.Time) bool {
	idle := now.Sub(rec.LastActivity())
	if idle <= s.healthThreshold {
		rec.healthy.Store(true)
		return true
	}
	rec.healthy.Store(false)
	s.emit(framework.EventServerUnhealthy, rec, "", map[string]any{"idle_seconds": idle.Seconds()})
	return false
}

package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/duelsync/go/internal/duel/gateway"
)

const (
	healthProbeKey      = "duel.health_probe"
	queueBacklogWarning = 50
	healthCheckTimeout  = 5 * time.Second
)

// HealthStatus is the body of GET /health
type HealthStatus struct {
	Healthy           bool           `json:"healthy"`
	Connection        gateway.Status `json:"connection"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	StoreReachable    bool           `json:"store_reachable"`
	QueueLength       int            `json:"queue_length"`
	Errors            []string       `json:"errors"`
}

// CheckHealth probes the store and reports the connection. The client is
// unhealthy while it cannot reach its store or the duel server.
func (a *App) CheckHealth(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:           true,
		Connection:        a.Manager.Status(),
		ReconnectAttempts: a.Manager.ReconnectAttempts(),
		Errors:            []string{},
	}

	if _, _, err := a.kv.Get(ctx, healthProbeKey); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("store unreachable: %v", err))
	} else {
		status.StoreReachable = true
	}

	if status.Connection != gateway.StatusConnected {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("duel server %s", status.Connection))
	}

	if status.StoreReachable {
		n, err := a.Manager.QueueCount(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count queued answers: %v", err))
		} else {
			status.QueueLength = n
			if n > queueBacklogWarning {
				status.Errors = append(status.Errors, fmt.Sprintf("high offline queue length: %d", n))
			}
		}
	}

	return status
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := a.CheckHealth(ctx)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

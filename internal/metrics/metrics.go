// Package metrics exposes runtime counters via expvar.
package metrics

import "expvar"

var (
	DeploymentsTotal    = expvar.NewInt("deployments_total")
	DeploymentsFailed   = expvar.NewInt("deployments_failed")
	StagesFailed        = expvar.NewInt("stages_failed")
	StagesSkipped       = expvar.NewInt("stages_skipped")
	CommandsExecuted    = expvar.NewInt("commands_executed")
	HealthProbesTotal   = expvar.NewInt("health_probes_total")
	HealthTimeouts      = expvar.NewInt("health_timeouts")
	BackupsCreated      = expvar.NewInt("backups_created")
	NotificationsSent   = expvar.NewInt("notifications_sent")
	NotificationsFailed = expvar.NewInt("notifications_failed")
)

// Package scheduler registers triggers (daily cron entries and one-shot
// timers) and enqueues their jobs into the task engine. It never runs jobs
// itself.
package scheduler

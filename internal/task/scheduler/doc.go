// Package scheduler is the runtime trigger machinery.
//
// It validates Schedule Specs, arms one timer per installed Handle and hands
// due invocations to the worker pool (internal/task/engine). It is responsible only for:
//   - validating specs (cron via robfig/cron, fixed-delay, fixed-rate)
//   - computing next fire times
//   - dispatching runs without overlap for the same handle
package scheduler

// Package client is a thin Go client for the muster HTTP API, covering
// agent lifecycle, pool statistics, federation status and migrations.
package client

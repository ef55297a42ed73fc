// Package health reports connection, channel and listener health over HTTP.
package health

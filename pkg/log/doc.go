/*
Package log provides structured logging for hearthlink built on zerolog.

Components take child loggers via WithComponent so every line carries its
origin. Device identifiers (SAIDs) are sensitive: WithDevice and DeviceField
log a short hash instead of the raw value.
*/
package log

// Package logx is a thin structured-logging layer over zerolog.
//
// Components receive a Logger value and derive scoped loggers via With().
// The zero value is a safe no-op, so optional dependencies can log without
// nil checks.
package logx

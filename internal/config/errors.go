package config

import "errors"

var (
	// ErrConfigVersionTooNew is returned when a config file was
	// written by a newer umbra than this one.
	ErrConfigVersionTooNew = errors.New("config version too new")
)

// Package config loads dispatchkit settings from TOML.
//
// A config file has one section per concern:
//
//	[coordinator]
//	capacity = 5
//	inactivity_timeout = "2m"
//	retention = "30m"
//
//	[backend]
//	base_url = "http://localhost:8420"
//	stream_transport = "sse"
//
//	[events]
//	nats_url = "nats://localhost:4222"
//
//	[conversation]
//	store = "nats"
//	bucket = "conversations"
//	index = true
//
// Missing sections and keys keep the values from Default.
package config

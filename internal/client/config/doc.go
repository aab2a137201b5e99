// Package config loads runtime configuration for the sync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via -c or -config.
//  3. Command-line flags, which override earlier values.
//
// # JSON schema
//
//	{
//	  "server_url": "wss://sync.example.com/sync",
//	  "namespace": "notes",
//	  "identity_file": "~/.gophsync/identity.json",
//	  "database_path": "~/.gophsync/journal.db",
//	  "sync_timeout": "45s"
//	}
//
// The session token is better passed with -t or typed at the prompt than
// stored in the file.
package config

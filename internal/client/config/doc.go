// Package config loads runtime configuration for the digsync field client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via flags: -c or -config.
//  3. Command-line flags, which override earlier values.
//
// # JSON schema
//
//	{
//	  "socket_url": "ws://10.0.0.2:8080/socket",
//	  "rest_url": "http://10.0.0.2:8080",
//	  "rpc_addr": "10.0.0.2:50051",
//	  "prefered_network": "socket",
//	  "database_path": "/data/digsync.db",
//	  "online_check_interval": "3s",
//	  "retry_interval": "15s",
//	  "push_batch_size": 50,
//	  "fetch_batch_size": 200,
//	  "ignored_tables": ["user", "projet_config"],
//	  "access_token": "...",
//	  "author_uuid": "..."
//	}
package config

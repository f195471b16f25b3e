// Flowgate is a local multi-account gateway for the iFlow API.
//
// It serves an OpenAI-compatible endpoint on localhost and routes each
// request to one of several configured upstream accounts, providing:
//   - Client-key based routing to accounts or account pools
//   - Round-robin and least-busy load balancing
//   - Circuit breaking and automatic failover between accounts
//   - OAuth credential refresh with expiry detection mid-request
//   - Token usage accounting per account and model
//
// Usage:
//
//	# Start the gateway with default configuration
//	flowgate run
//
//	# Start with a custom configuration file
//	flowgate run --config /path/to/config.yaml
//
//	# Validate configuration and routing store
//	flowgate validate
//
//	# Show version information
//	flowgate version
package main

func main() {
	Execute()
}

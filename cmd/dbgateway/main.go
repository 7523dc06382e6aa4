// Command dbgateway serves web requests from database application servers.
//
// Usage:
//
//	# Write a starter configuration
//	dbgateway init --config gateway.yaml
//
//	# Check a configuration without starting
//	dbgateway validate --config gateway.yaml
//
//	# Start the gateway
//	dbgateway run --config gateway.yaml
package main

func main() {
	Execute()
}

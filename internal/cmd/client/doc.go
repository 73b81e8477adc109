// Package client provides the `histore` command-line client.
//
// The CLI talks to the histore HTTP endpoint to perform common history
// operations from a terminal. It is primarily intended for developers and
// operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it defaults
// to http://127.0.0.1:8080 and can be overridden with HISTORE_HTTP.
//
// Usage
//
//	histore realm create --name eu
//	histore realm list
//
//	histore history append \
//	    --realm eu --guild 42 --category 1 \
//	    --id 1001 --ts 1726833600000 --data '{"gold":50}'
//
//	# Tail the merged history of two categories: stored events first, in
//	# global id order, then live appends.
//	histore history tail --realm eu --guild 42 --categories 1,2
//
//	# Bounded catch-up that ends once stored events are exhausted
//	histore history tail --realm eu --guild 42 --categories 1 \
//	    --after-id 1000 --stop-on-last
//
//	# Time windows accept unix epoch ms or RFC3339
//	histore history tail --realm eu --guild 42 --categories 1 \
//	    --start 2025-09-20T12:00:00Z --end 2025-09-21T12:00:00Z
//
//	# CEL filters evaluate per event
//	histore history tail --realm eu --guild 42 --categories 1 \
//	    --filter 'json.gold >= 50'
//
//	histore history status --realm eu --guild 42 --categories 1,2
package client

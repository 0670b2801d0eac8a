// Package relay keeps the registry of live signaling sessions and forwards
// processing-node results to the session they are addressed to.
//
// Results for sessions that no longer exist are dropped and counted; they are
// never an error for the producer.
package relay

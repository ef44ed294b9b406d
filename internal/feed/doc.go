// Package feed streams executed fills to websocket subscribers.
//
// The Hub drains the router's fill buffer and fans each fill out to the
// subscribers of its token. A subscriber whose send queue is full is
// disconnected rather than allowed to stall the others. Subscription is the
// matching client used by exchangectl.
package feed

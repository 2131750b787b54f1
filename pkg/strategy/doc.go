// Package strategy implements the periodic scaling control loop (C4): on a
// fixed tick it compares outstanding work and idle time against the
// configured bounds and issues scale_out/scale_in calls to a Provider.
package strategy

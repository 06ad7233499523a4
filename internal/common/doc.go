// Package common holds the small shared contracts used across
// subsystems, chiefly the Stoppable interface every long-lived service
// implements so shutdown can treat them uniformly.
package common

package models

import "time"

type RetryConfig struct {
	MaxRetryCount    int
	RetryIntervalMin time.Duration
	RetryIntervalMax time.Duration
}

// SlidingInterval returns a retry interval between min and max based on the current retry attempt.
func (rc *RetryConfig) SlidingInterval(retryNum int) time.Duration {
	if retryNum <= 0 {
		return rc.RetryIntervalMin
	}
	if retryNum >= rc.MaxRetryCount {
		return rc.RetryIntervalMax
	}
	scale := float64(retryNum) / float64(rc.MaxRetryCount)
	return rc.RetryIntervalMin + time.Duration(scale*float64(rc.RetryIntervalMax-rc.RetryIntervalMin))
}

// Backoff doubles the minimum interval per retry and caps it at the maximum.
// The result never decreases as retryNum grows.
func (rc *RetryConfig) Backoff(retryNum int) time.Duration {
	if rc.RetryIntervalMin <= 0 {
		return 0
	}
	if retryNum < 0 {
		retryNum = 0
	}
	d := rc.RetryIntervalMin
	for i := 0; i < retryNum; i++ {
		if rc.RetryIntervalMax > 0 && d >= rc.RetryIntervalMax {
			break
		}
		d *= 2
	}
	if rc.RetryIntervalMax > 0 && d > rc.RetryIntervalMax {
		return rc.RetryIntervalMax
	}
	return d
}

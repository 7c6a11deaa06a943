package client

import "time"

type Protocol uint8

const (
	// HTTP1 runs one request at a time per connection.
	HTTP1 Protocol = iota
	// H2C speaks HTTP/2 over cleartext with prior knowledge, multiplexing
	// requests on one connection.
	H2C
)

type Options struct {
	Protocol Protocol

	Conn    ConnOptions
	Timeout TimeoutOptions
	Retry   RetryOptions
}

type ConnOptions struct {
	// MaxOpenConnsPerHost bounds the conns dialed per address. Zero means
	// no limit.
	MaxOpenConnsPerHost uint
}

type TimeoutOptions struct {
	// IdleTimeout closes conns that stayed idle this long. Zero keeps them.
	IdleTimeout time.Duration
	// Response bounds Send's whole wait for a response head, getting a
	// conn included. Zero means no limit.
	Response time.Duration
}

type RetryOptions struct {
	// MaxAttempts is how many times a request that a conn gave back
	// unprocessed is rescheduled. Zero disables retries.
	MaxAttempts uint
}

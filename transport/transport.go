package transport

// Addr identifies an endpoint. It satisfies [net.Addr].
type Addr interface {
	Network() string
	String() string
}

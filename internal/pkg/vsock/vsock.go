package vsock

import (
	"fmt"
	"net"
)

// Listen is a stub for the mdlayher/vsock.Listen function.
// In a real environment, this would use the kernel's vsock capabilities.
// For this disconnected environment, it returns an error to force fallback to Unix sockets,
// or we could implement a mock if needed.
func Listen(port uint32, config interface{}) (net.Listener, error) {
	return nil, fmt.Errorf("vsock not implemented in this environment")
}

// Dial is a stub for the mdlayher/vsock.Dial function used by the optional
// remote generation backend. Like Listen, it always errors so callers fall
// back to a backend that does not require kernel vsock support.
func Dial(contextID, port uint32) (net.Conn, error) {
	return nil, fmt.Errorf("vsock not implemented in this environment")
}

package powerbus

// Transport is the byte stream the Communicator owns. Read must return after
// at most the transport read timeout, with n == 0 when nothing arrived.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

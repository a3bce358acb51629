package core

// SocketTransform is a per-connection hook over the raw byte stream, for
// example a TLS-like record layer. Unwrap runs on the owning worker loop;
// Wrap runs on whichever goroutine sends the response and must be safe to
// call concurrently with Unwrap.
type SocketTransform interface {
	Init(sock Socket) error
	Unwrap(raw []byte) ([]byte, error)
	Wrap(p []byte) ([]byte, error)
	IsSecure() bool
	OnClose(sock Socket)
}

// TransformFactory creates the transform for one accepted connection
type TransformFactory func() SocketTransform

// IdentityTransform passes bytes through unchanged
type IdentityTransform struct{}

var identity IdentityTransform

// NewIdentityTransform is the default TransformFactory
func NewIdentityTransform() SocketTransform { return identity }

func (IdentityTransform) Init(Socket) error                 { return nil }
func (IdentityTransform) Unwrap(raw []byte) ([]byte, error) { return raw, nil }
func (IdentityTransform) Wrap(p []byte) ([]byte, error)     { return p, nil }
func (IdentityTransform) IsSecure() bool                    { return false }
func (IdentityTransform) OnClose(Socket)                    {}

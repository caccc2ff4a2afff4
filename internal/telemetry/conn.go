package telemetry

import "github.com/yuuki/cxiverbs/internal/transport"

// Namer names a request for the op attribute.
type Namer func(req *transport.Request) string

type instrumentedConn struct {
	transport.Conn
	metrics *Metrics
	name    Namer
}

// WrapConn returns conn with every Execute counted in m. A nil m returns conn
// unchanged.
func WrapConn(conn transport.Conn, m *Metrics, name Namer) transport.Conn {
	if m == nil {
		return conn
	}
	return &instrumentedConn{Conn: conn, metrics: m, name: name}
}

func (c *instrumentedConn) Execute(req *transport.Request) error {
	err := c.Conn.Execute(req)
	c.metrics.RecordCommand(c.name(req), err)
	return err
}

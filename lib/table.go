package lib

// connectionTable maps four-tuple keys to live connections. Only the engine
// goroutine touches it, so no locking is needed.
type connectionTable struct {
	conns map[string]*Connection
	max   int
}

func newConnectionTable(max int) *connectionTable {
	return &connectionTable{conns: make(map[string]*Connection), max: max}
}

func (t *connectionTable) add(c *Connection) error {
	key := c.params.key()
	if _, exists := t.conns[key]; exists {
		return ErrPortTaken
	}
	if len(t.conns) >= t.max {
		return ErrTableFull
	}
	t.conns[key] = c
	return nil
}

func (t *connectionTable) get(params *connectionParams) (*Connection, bool) {
	c, ok := t.conns[params.key()]
	return c, ok
}

func (t *connectionTable) remove(c *Connection) {
	delete(t.conns, c.params.key())
}

func (t *connectionTable) len() int {
	return len(t.conns)
}

func (t *connectionTable) forEach(f func(*Connection)) {
	for _, c := range t.conns {
		f(c)
	}
}
